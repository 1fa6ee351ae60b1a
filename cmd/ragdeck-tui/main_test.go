package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfig(baseURL string) appConfig {
	return appConfig{
		apiBase:        baseURL,
		webSearch:      true,
		pollInterval:   10 * time.Second,
		requestTimeout: 5 * time.Second,
		ingestTimeout:  5 * time.Second,
		uploadDir:      ".",
	}
}

func newTestModel(baseURL string) model {
	m := newModel(testConfig(baseURL))
	m.ready = true
	m.width = 100
	m.height = 40
	return m
}

func TestSubmitQueryAppendsOptimistically(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	cmd := m.submitQuery("  what is in the knowledge base?  ")
	if cmd == nil {
		t.Fatalf("expected a dispatch command for a valid query")
	}
	if m.session.len() != 1 {
		t.Fatalf("expected exactly one message, got %d", m.session.len())
	}
	msg := m.session.all()[0]
	if msg.Role != roleUser {
		t.Fatalf("expected user role, got %q", msg.Role)
	}
	if msg.Content != "what is in the knowledge base?" {
		t.Fatalf("expected trimmed content, got %q", msg.Content)
	}
	if !m.asking {
		t.Fatalf("expected in-flight flag to be set")
	}
	if m.input.Value() != "" {
		t.Fatalf("expected input buffer cleared")
	}
}

func TestSubmitQuerySingleFlight(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	if cmd := m.submitQuery("first"); cmd == nil {
		t.Fatalf("expected first query to dispatch")
	}
	if cmd := m.submitQuery("second"); cmd != nil {
		t.Fatalf("expected concurrent submit to be dropped")
	}
	if m.session.len() != 1 {
		t.Fatalf("expected session unchanged by dropped submit, got %d messages", m.session.len())
	}
}

func TestSubmitQueryDispatchesBeforeStartupSettles(t *testing.T) {
	m := newModel(testConfig("http://127.0.0.1:0"))
	cmd := m.submitQuery("hello")
	if cmd == nil {
		t.Fatalf("expected a query submitted during startup to dispatch")
	}
	if m.session.len() != 1 {
		t.Fatalf("expected the optimistic append even before the health probe settles, got %d messages", m.session.len())
	}
	if !m.asking {
		t.Fatalf("expected in-flight flag set")
	}
}

func TestSubmitIngestDispatchesBeforeStartupSettles(t *testing.T) {
	m := newModel(testConfig("http://127.0.0.1:0"))
	m.selectedFiles = []string{"/tmp/a.txt"}
	if cmd := m.submitIngest(); cmd == nil {
		t.Fatalf("expected an ingest submitted during startup to dispatch")
	}
	if !m.ingesting {
		t.Fatalf("expected ingesting flag set")
	}
}

func TestSubmitQueryRejectsBlank(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	for _, raw := range []string{"", "   ", "\t\n"} {
		if cmd := m.submitQuery(raw); cmd != nil {
			t.Fatalf("expected blank query %q to be a no-op", raw)
		}
	}
	if m.session.len() != 0 {
		t.Fatalf("expected no messages appended, got %d", m.session.len())
	}
}

func TestAskFailureClearsInFlightAndKeepsUserMessage(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	if cmd := m.submitQuery("doomed"); cmd == nil {
		t.Fatalf("expected dispatch")
	}
	updated, _ := m.Update(askDoneMsg{err: errors.New("boom")})
	mm := updated.(model)
	if mm.asking {
		t.Fatalf("expected in-flight flag cleared on failure")
	}
	if mm.errorLine != "boom" {
		t.Fatalf("expected error line %q, got %q", "boom", mm.errorLine)
	}
	if mm.session.len() != 1 {
		t.Fatalf("expected only the unanswered user message, got %d", mm.session.len())
	}
}

func TestAskSuccessAppendsAssistantMessage(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	if cmd := m.submitQuery("tell me"); cmd == nil {
		t.Fatalf("expected dispatch")
	}
	m.errorLine = "stale error"
	fast := true
	updated, _ := m.Update(askDoneMsg{resp: askResponse{
		Answer:      "42",
		SourcesUsed: []string{"local_knowledge_base"},
		Citations:   []string{"doc.pdf"},
		LatencyMS:   4200,
		FastPath:    &fast,
	}})
	mm := updated.(model)
	if mm.asking {
		t.Fatalf("expected in-flight flag cleared")
	}
	if mm.errorLine != "" {
		t.Fatalf("expected success to clear the previous error, got %q", mm.errorLine)
	}
	if mm.session.len() != 2 {
		t.Fatalf("expected user+assistant messages, got %d", mm.session.len())
	}
	reply := mm.session.all()[1]
	if reply.Role != roleAssistant || reply.Content != "42" {
		t.Fatalf("unexpected assistant message %+v", reply)
	}
	if reply.LatencyMS == nil || *reply.LatencyMS != 4200 {
		t.Fatalf("expected latency carried through, got %+v", reply.LatencyMS)
	}
	if formatLatency(*reply.LatencyMS) != "4.20s" {
		t.Fatalf("expected 4.20s, got %s", formatLatency(*reply.LatencyMS))
	}
}

func TestAskEndpointMapping(t *testing.T) {
	var gotBody askRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/ask" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"query": "weather in HK",
			"answer": "28C and cloudy",
			"sources_used": ["weather"],
			"tool_results": {"weather": {"location": "Hong Kong", "temperature": 28}},
			"failed_tools": [],
			"context_count": 2,
			"citations": ["hko.gov.hk"],
			"latency_ms": 812.5,
			"fast_path": false
		}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.strictLocal = true
	api := newAPIClient(cfg)
	resp, err := api.ask(askRequest{Query: "weather in HK", StrictLocal: true, WebSearch: true})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	// strict_local and the stored web_search value travel together; the
	// server decides their interaction.
	if !gotBody.StrictLocal || !gotBody.WebSearch {
		t.Fatalf("expected strict_local and web_search transmitted verbatim, got %+v", gotBody)
	}
	if resp.Answer != "28C and cloudy" {
		t.Fatalf("unexpected answer %q", resp.Answer)
	}
	if resp.FastPath == nil || *resp.FastPath {
		t.Fatalf("expected fast_path=false, got %+v", resp.FastPath)
	}
	weather, ok := resp.ToolResults["weather"].(map[string]any)
	if !ok || weather["location"] != "Hong Kong" {
		t.Fatalf("expected weather tool result passed through, got %+v", resp.ToolResults)
	}
}

func TestAskErrorDetailExtraction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail": "Error processing query: index offline"}`))
	}))
	defer server.Close()

	api := newAPIClient(testConfig(server.URL))
	if _, err := api.ask(askRequest{Query: "q"}); err == nil || err.Error() != "Error processing query: index offline" {
		t.Fatalf("expected server detail, got %v", err)
	}
}

func TestAskErrorFallbackOnUnparseableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()

	api := newAPIClient(testConfig(server.URL))
	if _, err := api.ask(askRequest{Query: "q"}); err == nil || err.Error() != askFallbackError {
		t.Fatalf("expected generic fallback, got %v", err)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	if got := apiErrorMessage([]byte(`{"detail":"  kaput  "}`), "fallback"); got != "kaput" {
		t.Fatalf("expected trimmed detail, got %q", got)
	}
	if got := apiErrorMessage([]byte(`{"detail":""}`), "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for empty detail, got %q", got)
	}
	if got := apiErrorMessage([]byte("not json"), "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for garbage body, got %q", got)
	}
}

func TestIngestValidationWithoutInput(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	for i := 0; i < 2; i++ {
		if cmd := m.submitIngest(); cmd != nil {
			t.Fatalf("expected no network dispatch without input")
		}
		if m.errorLine != ingestValidationMessage {
			t.Fatalf("expected validation message, got %q", m.errorLine)
		}
	}
	m.urlInput.SetValue("   ")
	if cmd := m.submitIngest(); cmd != nil {
		t.Fatalf("expected blank URL text to fail validation")
	}
	if m.ingesting {
		t.Fatalf("expected ingesting flag untouched by validation failure")
	}
}

func TestIngestMultipartFields(t *testing.T) {
	var gotURLs string
	var gotFiles int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ingest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(16 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotURLs = r.FormValue("urls")
		gotFiles = len(r.MultipartForm.File["files"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","message":"ok","files_processed":3,"chunks_created":7}`))
	}))
	defer server.Close()

	dir := t.TempDir()
	paths := make([]string, 0, 2)
	for _, name := range []string{"a.txt", "b.txt"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("contents of "+name), 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		paths = append(paths, path)
	}

	api := newAPIClient(testConfig(server.URL))
	resp, err := api.ingestDocuments(paths, "a.com, b.com")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if gotURLs != "a.com, b.com" {
		t.Fatalf("expected verbatim urls field, got %q", gotURLs)
	}
	if gotFiles != 2 {
		t.Fatalf("expected 2 file parts, got %d", gotFiles)
	}
	if resp.FilesProcessed != 3 || resp.ChunksCreated == nil || *resp.ChunksCreated != 7 {
		t.Fatalf("unexpected ingest response %+v", resp)
	}
}

func TestIngestSuccessClearsSelectionAndRefreshesStats(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.ingesting = true
	m.selectedFiles = []string{"/tmp/a.txt"}
	m.urlInput.SetValue("a.com")
	statsSeqBefore := m.statsSeq

	// chunks_created omitted by the server defaults to zero.
	updated, cmd := m.Update(ingestDoneMsg{resp: ingestResponse{Status: "success", Message: "ok", FilesProcessed: 1}})
	mm := updated.(model)
	if mm.ingesting {
		t.Fatalf("expected ingesting flag cleared")
	}
	if len(mm.selectedFiles) != 0 || mm.urlInput.Value() != "" {
		t.Fatalf("expected selection cleared on success")
	}
	if !strings.Contains(mm.statusLine, "1 file(s)") || !strings.Contains(mm.statusLine, "0 chunk(s)") {
		t.Fatalf("unexpected result message %q", mm.statusLine)
	}
	if !strings.Contains(mm.statusLine, "ok") {
		t.Fatalf("expected the backend message surfaced, got %q", mm.statusLine)
	}
	if cmd == nil {
		t.Fatalf("expected an immediate stats refresh command")
	}
	if mm.statsSeq != statsSeqBefore+1 {
		t.Fatalf("expected stats sequence to advance, got %d", mm.statsSeq)
	}
}

func TestIngestFailureClearsFlagAndSurfacesError(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.ingesting = true
	m.selectedFiles = []string{"/tmp/a.txt"}
	updated, _ := m.Update(ingestDoneMsg{err: errors.New("disk full")})
	mm := updated.(model)
	if mm.ingesting {
		t.Fatalf("expected ingesting flag cleared on failure")
	}
	if !strings.Contains(mm.errorLine, "disk full") {
		t.Fatalf("expected error surfaced, got %q", mm.errorLine)
	}
	if len(mm.selectedFiles) != 1 {
		t.Fatalf("expected selection kept for retry after failure")
	}
}

func TestNormalizeRequiresSourceTag(t *testing.T) {
	blocks := normalizeToolResults(
		map[string]any{"weather": map[string]any{"location": "HK", "temperature": 30.0}},
		[]string{"local_knowledge_base"},
	)
	if len(blocks) != 0 {
		t.Fatalf("expected zero blocks when the tool is not in sources_used, got %d", len(blocks))
	}
}

func TestNormalizeWeatherSubset(t *testing.T) {
	blocks := normalizeToolResults(
		map[string]any{"weather": map[string]any{"location": "Hong Kong", "temperature": 27.5}},
		[]string{"weather"},
	)
	if len(blocks) != 1 {
		t.Fatalf("expected one weather block, got %d", len(blocks))
	}
	if len(blocks[0].Fields) != 2 {
		t.Fatalf("expected only the present fields, got %+v", blocks[0].Fields)
	}
	if blocks[0].Fields[0][0] != "location" || blocks[0].Fields[1][1] != "27.5" {
		t.Fatalf("unexpected field rendering %+v", blocks[0].Fields)
	}
}

func TestNormalizeWeatherDataWrapper(t *testing.T) {
	blocks := normalizeToolResults(
		map[string]any{"weather": map[string]any{"data": map[string]any{"condition": "cloudy", "humidity": 80.0}}},
		[]string{"weather"},
	)
	if len(blocks) != 1 || len(blocks[0].Fields) != 2 {
		t.Fatalf("expected wrapped weather payload unwrapped, got %+v", blocks)
	}
}

func TestNormalizeWebSearchTruncation(t *testing.T) {
	entries := make([]any, 0, 8)
	for i := 0; i < 8; i++ {
		entries = append(entries, map[string]any{"title": "t", "url": "u", "snippet": "s"})
	}
	blocks := normalizeToolResults(
		map[string]any{"web_search": map[string]any{"results": entries}},
		[]string{"web_search"},
	)
	if len(blocks) != 1 {
		t.Fatalf("expected one web_search block, got %d", len(blocks))
	}
	if len(blocks[0].Hits) != 5 {
		t.Fatalf("expected truncation to 5 hits, got %d", len(blocks[0].Hits))
	}
}

func TestNormalizeFinanceMissingChange(t *testing.T) {
	blocks := normalizeToolResults(
		map[string]any{"finance": []any{
			map[string]any{"symbol": "AAPL", "current_price": 231.5, "timestamp": "2026-08-31"},
			map[string]any{"ticker": "MSFT", "price": 512.0, "daily_change": -1.2},
		}},
		[]string{"finance"},
	)
	if len(blocks) != 1 || len(blocks[0].Finance) != 2 {
		t.Fatalf("expected one finance block with two records, got %+v", blocks)
	}
	first := blocks[0].Finance[0]
	if first.Ticker != "AAPL" || first.Price != "231.5" || first.Change != "N/A" {
		t.Fatalf("unexpected record %+v", first)
	}
	if blocks[0].Finance[1].Change != "-1.2" {
		t.Fatalf("expected aliased change field, got %+v", blocks[0].Finance[1])
	}
}

func TestNormalizeFinanceRawFallback(t *testing.T) {
	blocks := normalizeToolResults(
		map[string]any{"finance": map[string]any{"note": "market closed"}},
		[]string{"finance"},
	)
	if len(blocks) != 1 {
		t.Fatalf("expected one finance block, got %d", len(blocks))
	}
	if blocks[0].RawText == "" || !strings.Contains(blocks[0].RawText, "market closed") {
		t.Fatalf("expected raw textual form, got %q", blocks[0].RawText)
	}
}

func TestNormalizeTransportRouteFallback(t *testing.T) {
	blocks := normalizeToolResults(
		map[string]any{"transport": map[string]any{
			"origin":      "K11 MUSEA",
			"destination": "HKUST",
			"routes": []any{
				map[string]any{"total_distance": "17.2 km", "total_duration": "48 mins"},
			},
		}},
		[]string{"transport"},
	)
	if len(blocks) != 1 {
		t.Fatalf("expected one transport block, got %d", len(blocks))
	}
	if len(blocks[0].Fields) != 4 {
		t.Fatalf("expected origin/destination/distance/duration, got %+v", blocks[0].Fields)
	}
	if blocks[0].Fields[2][1] != "17.2 km" || blocks[0].Fields[3][1] != "48 mins" {
		t.Fatalf("expected route totals used as fallback, got %+v", blocks[0].Fields)
	}
}

func TestNormalizeUnknownToolIgnored(t *testing.T) {
	blocks := normalizeToolResults(
		map[string]any{"vision": map[string]any{"caption": "a cat"}},
		[]string{"vision"},
	)
	if len(blocks) != 0 {
		t.Fatalf("expected unknown tool keys to be ignored, got %d blocks", len(blocks))
	}
}

func TestToggleDisclosureSingleExpansion(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	for i := 0; i < 6; i++ {
		m.session.append(newUserMessage("m"))
	}
	messages := m.session.all()
	m.toggleDisclosure(messages[2].ID)
	if m.expandedID != messages[2].ID {
		t.Fatalf("expected message 2 expanded")
	}
	m.toggleDisclosure(messages[5].ID)
	if m.expandedID != messages[5].ID {
		t.Fatalf("expected only message 5 expanded after switching")
	}
	m.toggleDisclosure(messages[5].ID)
	if m.expandedID != "" {
		t.Fatalf("expected repeated toggle to collapse, got %q", m.expandedID)
	}
}

func TestStatusFailureDegradesToUnknown(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.status = &statusResponse{Overall: true}
	m.stats = &kbStatsResponse{DocumentCount: 12}
	updated, _ := m.Update(statusFetchedMsg{gen: m.pollGen, seq: m.statusApplied + 1, err: errors.New("dial refused")})
	mm := updated.(model)
	if mm.status != nil {
		t.Fatalf("expected status degraded to unknown, got %+v", mm.status)
	}
	if mm.stats == nil || mm.stats.DocumentCount != 12 {
		t.Fatalf("expected stats untouched by a status failure")
	}
	if mm.errorLine != "" {
		t.Fatalf("expected poll failures to stay silent, got %q", mm.errorLine)
	}
}

func TestStalePollGenerationDiscarded(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.pollGen = 2
	m.status = &statusResponse{Overall: true}
	updated, _ := m.Update(statusFetchedMsg{gen: 1, seq: 99, status: statusResponse{}})
	mm := updated.(model)
	if mm.status == nil || !mm.status.Overall {
		t.Fatalf("expected response from a stale generation to be discarded")
	}
}

func TestOutOfOrderPollDiscarded(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	updated, _ := m.Update(statusFetchedMsg{gen: m.pollGen, seq: 5, status: statusResponse{Qdrant: true}})
	mm := updated.(model)
	updated, _ = mm.Update(statusFetchedMsg{gen: mm.pollGen, seq: 4, status: statusResponse{Qdrant: false}})
	mm = updated.(model)
	if mm.status == nil || !mm.status.Qdrant {
		t.Fatalf("expected the later-sequenced response to win")
	}
}

func TestTickFetchesStatsOnlyOnKnowledgeTab(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.activeTab = tabChat
	updated, _ := m.Update(tickMsg(time.Now()))
	mm := updated.(model)
	if mm.statusSeq != m.statusSeq+1 {
		t.Fatalf("expected status fetch issued on tick")
	}
	if mm.statsSeq != m.statsSeq {
		t.Fatalf("expected no stats fetch while the Knowledge tab is inactive")
	}
	mm.activeTab = tabKnowledge
	updated, _ = mm.Update(tickMsg(time.Now()))
	next := updated.(model)
	if next.statsSeq != mm.statsSeq+1 {
		t.Fatalf("expected stats fetch when the Knowledge tab is active")
	}
}

func TestAutoRefreshPauseInvalidatesInFlightPolls(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.activeTab = tabSettings
	m.settingsIndex = 3
	genBefore := m.pollGen
	if cmd := m.adjustSetting(1); cmd != nil {
		t.Fatalf("expected no fetch command when pausing")
	}
	if m.settings.autoRefresh {
		t.Fatalf("expected auto refresh off")
	}
	if m.pollGen != genBefore+1 {
		t.Fatalf("expected generation bump to discard in-flight polls")
	}
	if cmd := m.adjustSetting(1); cmd == nil {
		t.Fatalf("expected an immediate fetch command when resuming")
	}
}

func TestWebSearchToggleLockedUnderStrictLocal(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.settings.strictLocal = true
	m.settings.webSearchEnabled = true
	m.settingsIndex = 1
	m.adjustSetting(1)
	if !m.settings.webSearchEnabled {
		t.Fatalf("expected the stored web search value to survive the locked control")
	}
}

func TestResetSessionClearsEverything(t *testing.T) {
	m := newTestModel("http://127.0.0.1:0")
	m.session.append(newUserMessage("q"))
	m.session.append(newUserMessage("q2"))
	m.expandedID = m.session.all()[1].ID
	m.errorLine = "old error"
	m.resetSession()
	if m.session.len() != 0 {
		t.Fatalf("expected empty session, got %d messages", m.session.len())
	}
	if m.expandedID != "" {
		t.Fatalf("expected disclosure reset")
	}
	if m.errorLine != "" {
		t.Fatalf("expected error cleared")
	}
}

func TestFormatLatency(t *testing.T) {
	if got := formatLatency(4200); got != "4.20s" {
		t.Fatalf("expected 4.20s, got %q", got)
	}
	if got := formatLatency(0); got != "0.00s" {
		t.Fatalf("expected 0.00s, got %q", got)
	}
	if got := formatLatency(812); got != "0.81s" {
		t.Fatalf("expected 0.81s, got %q", got)
	}
}

func TestMessageFromResponseCarriesSupplementaryFields(t *testing.T) {
	msg := messageFromResponse(askResponse{
		Answer:       "ok",
		SourcesUsed:  []string{"finance"},
		FailedTools:  []string{"weather"},
		ContextCount: 4,
		LatencyMS:    99,
		ToolResults:  map[string]any{"finance": []any{}},
	})
	if msg.Role != roleAssistant || msg.ID == "" {
		t.Fatalf("unexpected message identity %+v", msg)
	}
	if len(msg.FailedTools) != 1 || msg.ContextCount != 4 {
		t.Fatalf("expected failed_tools and context_count carried, got %+v", msg)
	}
}
