package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/muesli/reflow/wordwrap"
)

const (
	defaultAPIBase      = "http://localhost:8000"
	defaultPollSeconds  = 10
	webSearchMaxResults = 5
	activityLogMax      = 50
	inputCharLimit      = 4000
)

const (
	ingestValidationMessage = "select at least one file or enter a URL to ingest"
	askFallbackError        = "the backend could not process this query"
	ingestFallbackError     = "the backend could not ingest the submitted documents"
)

type appConfig struct {
	apiBase        string
	strictLocal    bool
	webSearch      bool
	fastMode       bool
	pollInterval   time.Duration
	requestTimeout time.Duration
	ingestTimeout  time.Duration
	uploadDir      string
	altScreen      bool
}

type runtimeSettings struct {
	strictLocal      bool
	webSearchEnabled bool
	fastMode         bool
	autoRefresh      bool
	pollInterval     time.Duration
}

func parseFlags() appConfig {
	_ = godotenv.Load()

	cfg := appConfig{}
	var pollSeconds, requestTimeoutSeconds, ingestTimeoutSeconds int
	flag.StringVar(&cfg.apiBase, "api-base", envOr("RAGDECK_API_BASE", defaultAPIBase), "RAG backend base URL")
	flag.IntVar(&pollSeconds, "poll-interval", envOrInt("RAGDECK_POLL_INTERVAL", defaultPollSeconds), "Status poll interval seconds")
	flag.IntVar(&requestTimeoutSeconds, "request-timeout", envOrInt("RAGDECK_REQUEST_TIMEOUT", 120), "Ask/status request timeout seconds")
	flag.IntVar(&ingestTimeoutSeconds, "ingest-timeout", envOrInt("RAGDECK_INGEST_TIMEOUT", 600), "Ingest upload timeout seconds")
	flag.BoolVar(&cfg.strictLocal, "strict-local", envOrBool("RAGDECK_STRICT_LOCAL", false), "Restrict answers to the local knowledge base")
	flag.BoolVar(&cfg.webSearch, "web-search", envOrBool("RAGDECK_WEB_SEARCH", true), "Allow web search fallback")
	flag.BoolVar(&cfg.fastMode, "fast", envOrBool("RAGDECK_FAST", false), "Prefer the fast answer path for trivial queries")
	flag.StringVar(&cfg.uploadDir, "upload-dir", envOr("RAGDECK_UPLOAD_DIR", ""), "Start directory for the ingest file picker")
	flag.BoolVar(&cfg.altScreen, "alt-screen", true, "Use alternate screen buffer")
	flag.Parse()

	cfg.pollInterval = time.Duration(clampInt(pollSeconds, 2, 600)) * time.Second
	cfg.requestTimeout = time.Duration(clampInt(requestTimeoutSeconds, 1, 3600)) * time.Second
	cfg.ingestTimeout = time.Duration(clampInt(ingestTimeoutSeconds, 1, 7200)) * time.Second
	if strings.TrimSpace(cfg.uploadDir) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.uploadDir = home
		} else {
			cfg.uploadDir = "."
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

type askRequest struct {
	Query       string `json:"query"`
	StrictLocal bool   `json:"strict_local"`
	Fast        bool   `json:"fast"`
	WebSearch   bool   `json:"web_search"`
}

type askResponse struct {
	Query        string         `json:"query"`
	Answer       string         `json:"answer"`
	Routing      map[string]any `json:"routing"`
	SourcesUsed  []string       `json:"sources_used"`
	ToolResults  map[string]any `json:"tool_results"`
	FailedTools  []string       `json:"failed_tools"`
	ContextCount int            `json:"context_count"`
	Citations    []string       `json:"citations"`
	LatencyMS    float64        `json:"latency_ms"`
	Timestamp    string         `json:"timestamp"`
	FastPath     *bool          `json:"fast_path"`
}

type ingestResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	FilesProcessed int    `json:"files_processed"`
	ChunksCreated  *int   `json:"chunks_created"`
}

type statusResponse struct {
	Qdrant        bool `json:"qdrant"`
	Elasticsearch bool `json:"elasticsearch"`
	Redis         bool `json:"redis"`
	Embeddings    bool `json:"embeddings"`
	Overall       bool `json:"overall"`
}

type kbStatsResponse struct {
	DocumentCount  int    `json:"document_count"`
	ChunkCount     int    `json:"chunk_count"`
	LastIngestedAt string `json:"last_ingested_at"`
}

type apiClient struct {
	baseURL string
	http    *http.Client
	upload  *http.Client
}

func newAPIClient(cfg appConfig) apiClient {
	return apiClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.apiBase), "/"),
		http:    &http.Client{Timeout: maxDuration(time.Second, cfg.requestTimeout)},
		upload:  &http.Client{Timeout: maxDuration(time.Second, cfg.ingestTimeout)},
	}
}

// apiErrorMessage prefers the backend's structured detail text and falls back
// to a generic message when the body is not parseable JSON.
func apiErrorMessage(body []byte, fallback string) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Detail) != "" {
		return strings.TrimSpace(parsed.Detail)
	}
	return fallback
}

func (c apiClient) ask(reqBody askRequest) (askResponse, error) {
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return askResponse{}, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/ask", bytes.NewReader(buf))
	if err != nil {
		return askResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return askResponse{}, fmt.Errorf("ask request failed: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return askResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return askResponse{}, errors.New(apiErrorMessage(payload, askFallbackError))
	}
	var out askResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return askResponse{}, errors.New(askFallbackError)
	}
	return out, nil
}

func (c apiClient) ingestDocuments(paths []string, urls string) (ingestResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return ingestResponse{}, fmt.Errorf("open %s: %w", filepath.Base(path), err)
		}
		part, err := writer.CreateFormFile("files", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		file.Close()
		if err != nil {
			return ingestResponse{}, fmt.Errorf("attach %s: %w", filepath.Base(path), err)
		}
	}
	// The URL text travels verbatim in one field; the backend does the
	// comma splitting.
	if strings.TrimSpace(urls) != "" {
		if err := writer.WriteField("urls", urls); err != nil {
			return ingestResponse{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return ingestResponse{}, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/ingest", &body)
	if err != nil {
		return ingestResponse{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.upload.Do(req)
	if err != nil {
		return ingestResponse{}, fmt.Errorf("ingest request failed: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return ingestResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ingestResponse{}, errors.New(apiErrorMessage(payload, ingestFallbackError))
	}
	var out ingestResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return ingestResponse{}, errors.New(ingestFallbackError)
	}
	return out, nil
}

func (c apiClient) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed on %s: %w", path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d on %s", resp.StatusCode, path)
	}
	return json.Unmarshal(payload, out)
}

func (c apiClient) systemStatus() (statusResponse, error) {
	var out statusResponse
	if err := c.getJSON("/api/status", &out); err != nil {
		return statusResponse{}, err
	}
	return out, nil
}

func (c apiClient) kbStats() (kbStatsResponse, error) {
	var out kbStatsResponse
	if err := c.getJSON("/api/kb/stats", &out); err != nil {
		return kbStatsResponse{}, err
	}
	return out, nil
}

func (c apiClient) healthz() error {
	resp, err := c.http.Get(c.baseURL + "/healthz")
	if err != nil {
		return fmt.Errorf("healthz request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned http %d", resp.StatusCode)
	}
	return nil
}

type chatRole string

const (
	roleUser      chatRole = "user"
	roleAssistant chatRole = "assistant"
)

type chatMessage struct {
	ID           string
	Role         chatRole
	Content      string
	CreatedAt    time.Time
	SourcesUsed  []string
	Citations    []string
	LatencyMS    *float64
	FastPath     *bool
	FailedTools  []string
	ContextCount int
	ToolResults  map[string]any
}

// session is the append-only conversation log for the active session. Entries
// are never mutated or removed; a new session replaces the whole slice.
type session struct {
	messages []chatMessage
}

func (s *session) append(msg chatMessage) {
	s.messages = append(s.messages, msg)
}

func (s *session) clear() {
	s.messages = nil
}

func (s *session) len() int {
	return len(s.messages)
}

func (s *session) all() []chatMessage {
	return s.messages
}

func newUserMessage(content string) chatMessage {
	return chatMessage{
		ID:        uuid.NewString(),
		Role:      roleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func messageFromResponse(resp askResponse) chatMessage {
	latency := resp.LatencyMS
	return chatMessage{
		ID:           uuid.NewString(),
		Role:         roleAssistant,
		Content:      resp.Answer,
		CreatedAt:    time.Now(),
		SourcesUsed:  resp.SourcesUsed,
		Citations:    resp.Citations,
		LatencyMS:    &latency,
		FastPath:     resp.FastPath,
		FailedTools:  resp.FailedTools,
		ContextCount: resp.ContextCount,
		ToolResults:  resp.ToolResults,
	}
}

func formatLatency(latencyMS float64) string {
	return fmt.Sprintf("%.2fs", latencyMS/1000)
}

type financeRecord struct {
	Ticker    string
	Price     string
	Change    string
	Timestamp string
}

type searchHit struct {
	Title   string
	URL     string
	Snippet string
}

type toolBlock struct {
	Tool    string
	Fields  [][2]string
	Finance []financeRecord
	RawText string
	Hits    []searchHit
}

// normalizeToolResults maps the loosely typed tool_results payload into
// display blocks. Only tools named in sources_used are rendered, in
// sources_used order; unrecognized tool keys pass through untouched so new
// backend tools do not break older clients.
func normalizeToolResults(toolResults map[string]any, sourcesUsed []string) []toolBlock {
	if len(toolResults) == 0 {
		return nil
	}
	blocks := make([]toolBlock, 0, len(sourcesUsed))
	for _, tag := range sourcesUsed {
		payload, ok := toolResults[tag]
		if !ok {
			continue
		}
		switch tag {
		case "weather":
			fields := weatherFields(payload)
			if len(fields) == 0 {
				continue
			}
			blocks = append(blocks, toolBlock{Tool: tag, Fields: fields})
		case "finance":
			if records, ok := financeRecords(payload); ok {
				blocks = append(blocks, toolBlock{Tool: tag, Finance: records})
			} else {
				blocks = append(blocks, toolBlock{Tool: tag, RawText: rawPayloadText(payload)})
			}
		case "transport":
			fields := transportFields(payload)
			if len(fields) == 0 {
				continue
			}
			blocks = append(blocks, toolBlock{Tool: tag, Fields: fields})
		case "web_search":
			hits := searchHits(payload)
			if len(hits) > webSearchMaxResults {
				hits = hits[:webSearchMaxResults]
			}
			if len(hits) == 0 {
				continue
			}
			blocks = append(blocks, toolBlock{Tool: tag, Hits: hits})
		}
	}
	return blocks
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

func anyText(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func fieldText(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if text := anyText(m[key]); text != "" {
			return text
		}
	}
	return ""
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

func weatherFields(payload any) [][2]string {
	data, ok := asMap(payload)
	if !ok {
		return nil
	}
	// Cached tool payloads wrap the readings in a data sub-object.
	if !hasAnyKey(data, "location", "temperature", "condition", "humidity") {
		if inner, isMap := asMap(data["data"]); isMap {
			data = inner
		}
	}
	fields := [][2]string{}
	for _, key := range []string{"location", "temperature", "condition", "humidity"} {
		if text := fieldText(data, key); text != "" {
			fields = append(fields, [2]string{key, text})
		}
	}
	return fields
}

func transportFields(payload any) [][2]string {
	data, ok := asMap(payload)
	if !ok {
		return nil
	}
	distance := fieldText(data, "distance", "total_distance")
	duration := fieldText(data, "duration", "total_duration")
	if distance == "" || duration == "" {
		if routes, isList := asList(data["routes"]); isList && len(routes) > 0 {
			if route, isMap := asMap(routes[0]); isMap {
				if distance == "" {
					distance = fieldText(route, "total_distance", "distance")
				}
				if duration == "" {
					duration = fieldText(route, "total_duration", "duration")
				}
			}
		}
	}
	fields := [][2]string{}
	if origin := fieldText(data, "origin"); origin != "" {
		fields = append(fields, [2]string{"origin", origin})
	}
	if destination := fieldText(data, "destination"); destination != "" {
		fields = append(fields, [2]string{"destination", destination})
	}
	if distance != "" {
		fields = append(fields, [2]string{"distance", distance})
	}
	if duration != "" {
		fields = append(fields, [2]string{"duration", duration})
	}
	return fields
}

func financeRecords(payload any) ([]financeRecord, bool) {
	list, ok := asList(payload)
	if !ok {
		data, isMap := asMap(payload)
		if !isMap {
			return nil, false
		}
		list, ok = asList(data["data"])
		if !ok {
			return nil, false
		}
	}
	records := make([]financeRecord, 0, len(list))
	for _, entry := range list {
		row, isMap := asMap(entry)
		if !isMap {
			continue
		}
		change := fieldText(row, "change", "daily_change")
		if change == "" {
			change = "N/A"
		}
		records = append(records, financeRecord{
			Ticker:    fieldText(row, "ticker", "symbol"),
			Price:     fieldText(row, "price", "current_price"),
			Change:    change,
			Timestamp: fieldText(row, "timestamp"),
		})
	}
	return records, true
}

func rawPayloadText(payload any) string {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(buf)
}

func searchHits(payload any) []searchHit {
	list, ok := asList(payload)
	if !ok {
		if data, isMap := asMap(payload); isMap {
			list, ok = asList(data["results"])
		}
	}
	if !ok {
		return nil
	}
	hits := make([]searchHit, 0, len(list))
	for _, entry := range list {
		row, isMap := asMap(entry)
		if !isMap {
			continue
		}
		hits = append(hits, searchHit{
			Title:   fieldText(row, "title"),
			URL:     fieldText(row, "url", "link"),
			Snippet: fieldText(row, "snippet", "content"),
		})
	}
	return hits
}

type tabID int

const (
	tabChat tabID = iota
	tabKnowledge
	tabSettings
	tabHelp
)

type kbFocusZone int

const (
	kbFocusPicker kbFocusZone = iota
	kbFocusURL
)

type initDoneMsg struct {
	healthErr error
}

type askDoneMsg struct {
	resp askResponse
	err  error
}

type ingestDoneMsg struct {
	resp ingestResponse
	err  error
}

type statusFetchedMsg struct {
	gen    int
	seq    int64
	status statusResponse
	err    error
}

type statsFetchedMsg struct {
	gen   int
	seq   int64
	stats kbStatsResponse
	err   error
}

type tickMsg time.Time

type model struct {
	cfg      appConfig
	settings runtimeSettings
	api      apiClient

	session    session
	expandedID string

	status *statusResponse
	stats  *kbStatsResponse

	ready         bool
	asking        bool
	ingesting     bool
	errorLine     string
	statusLine    string
	logs          []string
	activeTab     tabID
	settingsIndex int
	kbFocus       kbFocusZone
	selectedFiles []string
	quitConfirm   bool

	// Poll responses carry the generation and sequence they were issued
	// under; anything stale or out of order is discarded on arrival.
	pollGen       int
	statusSeq     int64
	statusApplied int64
	statsSeq      int64
	statsApplied  int64

	width  int
	height int

	input    textinput.Model
	urlInput textinput.Model
	timeline viewport.Model
	picker   filepicker.Model
	spinner  spinner.Model

	theme uiTheme
}

type uiTheme struct {
	root           lipgloss.Style
	header         lipgloss.Style
	tabActive      lipgloss.Style
	tabInactive    lipgloss.Style
	panel          lipgloss.Style
	panelTitle     lipgloss.Style
	footer         lipgloss.Style
	status         lipgloss.Style
	errorStatus    lipgloss.Style
	inputPanel     lipgloss.Style
	helpText       lipgloss.Style
	settingKey     lipgloss.Style
	settingValue   lipgloss.Style
	settingPick    lipgloss.Style
	settingLocked  lipgloss.Style
	userLabel      lipgloss.Style
	assistantLabel lipgloss.Style
	badge          lipgloss.Style
	badgeWarn      lipgloss.Style
	toolTitle      lipgloss.Style
	citation       lipgloss.Style
	okDot          lipgloss.Style
	badDot         lipgloss.Style
}

func newTheme() uiTheme {
	indigo := lipgloss.Color("#7c83ff")
	teal := lipgloss.Color("#2dd4bf")
	amber := lipgloss.Color("#fbbf24")
	red := lipgloss.Color("#f87171")
	green := lipgloss.Color("#4ade80")
	text := lipgloss.Color("#e5e7f0")
	muted := lipgloss.Color("#8b90b0")
	panelBg := lipgloss.Color("#171a2b")

	return uiTheme{
		root: lipgloss.NewStyle().
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(indigo).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(indigo).
			Foreground(lipgloss.Color("#10122a")).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(indigo).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(teal).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(teal).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(teal).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(red).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(teal).
			Padding(0, 1),
		helpText:       lipgloss.NewStyle().Foreground(muted),
		settingKey:     lipgloss.NewStyle().Foreground(indigo),
		settingValue:   lipgloss.NewStyle().Foreground(text),
		settingPick:    lipgloss.NewStyle().Foreground(amber).Bold(true),
		settingLocked:  lipgloss.NewStyle().Foreground(muted).Strikethrough(true),
		userLabel:      lipgloss.NewStyle().Foreground(green).Bold(true),
		assistantLabel: lipgloss.NewStyle().Foreground(indigo).Bold(true),
		badge:          lipgloss.NewStyle().Foreground(teal),
		badgeWarn:      lipgloss.NewStyle().Foreground(amber),
		toolTitle:      lipgloss.NewStyle().Foreground(amber).Bold(true),
		citation:       lipgloss.NewStyle().Foreground(muted).Italic(true),
		okDot:          lipgloss.NewStyle().Foreground(green),
		badDot:         lipgloss.NewStyle().Foreground(red),
	}
}

func newModel(cfg appConfig) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = inputCharLimit
	input.Placeholder = "Ask a question about your knowledge base. /new starts over."
	input.Focus()

	urlInput := textinput.New()
	urlInput.Prompt = "urls❯ "
	urlInput.CharLimit = inputCharLimit
	urlInput.Placeholder = "https://a.example/doc, https://b.example/page"

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#2dd4bf"))

	picker := filepicker.New()
	picker.CurrentDirectory = cfg.uploadDir
	picker.DirAllowed = false
	picker.FileAllowed = true
	picker.AutoHeight = false
	picker.Height = 10

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4

	return model{
		cfg: cfg,
		settings: runtimeSettings{
			strictLocal:      cfg.strictLocal,
			webSearchEnabled: cfg.webSearch,
			fastMode:         cfg.fastMode,
			autoRefresh:      true,
			pollInterval:     cfg.pollInterval,
		},
		api:        newAPIClient(cfg),
		statusLine: "starting...",
		logs:       []string{},
		activeTab:  tabChat,
		statusSeq:  1,
		statsSeq:   1,
		input:      input,
		urlInput:   urlInput,
		timeline:   timeline,
		picker:     picker,
		spinner:    sp,
		theme:      newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.picker.Init(),
		m.initCmd(),
		m.fetchStatusCmd(m.pollGen, m.statusSeq),
		m.fetchStatsCmd(m.pollGen, m.statsSeq),
		tickEvery(m.settings.pollInterval),
	)
}

func (m model) initCmd() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		return initDoneMsg{healthErr: api.healthz()}
	}
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = defaultPollSeconds * time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) askCmd(req askRequest) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		resp, err := api.ask(req)
		return askDoneMsg{resp: resp, err: err}
	}
}

func (m model) ingestCmd(paths []string, urls string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		resp, err := api.ingestDocuments(paths, urls)
		return ingestDoneMsg{resp: resp, err: err}
	}
}

func (m model) fetchStatusCmd(gen int, seq int64) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		status, err := api.systemStatus()
		return statusFetchedMsg{gen: gen, seq: seq, status: status, err: err}
	}
}

func (m model) fetchStatsCmd(gen int, seq int64) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		stats, err := api.kbStats()
		return statsFetchedMsg{gen: gen, seq: seq, stats: stats, err: err}
	}
}

// submitQuery runs the full query preflight: validation, the single-flight
// guard, the optimistic append, and the request snapshot. A nil return means
// nothing was dispatched.
func (m *model) submitQuery(raw string) tea.Cmd {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	if m.asking {
		// Single flight: later submissions are dropped, not queued.
		return nil
	}
	m.session.append(newUserMessage(text))
	m.input.SetValue("")
	m.asking = true
	m.errorLine = ""
	m.renderPanes()
	return m.askCmd(askRequest{
		Query:       text,
		StrictLocal: m.settings.strictLocal,
		Fast:        m.settings.fastMode,
		WebSearch:   m.settings.webSearchEnabled,
	})
}

func (m *model) submitIngest() tea.Cmd {
	if m.ingesting {
		return nil
	}
	urls := m.urlInput.Value()
	if len(m.selectedFiles) == 0 && strings.TrimSpace(urls) == "" {
		m.errorLine = ingestValidationMessage
		return nil
	}
	m.ingesting = true
	m.errorLine = ""
	m.statusLine = fmt.Sprintf("ingesting %d file(s)...", len(m.selectedFiles))
	return m.ingestCmd(append([]string(nil), m.selectedFiles...), urls)
}

func (m *model) toggleDisclosure(id string) {
	if id == "" {
		return
	}
	if m.expandedID == id {
		m.expandedID = ""
	} else {
		m.expandedID = id
	}
}

// latestDetailID finds the newest assistant message that actually has tool
// results to disclose.
func (m *model) latestDetailID() string {
	messages := m.session.all()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == roleAssistant && len(messages[i].ToolResults) > 0 {
			return messages[i].ID
		}
	}
	return ""
}

func (m *model) assistantMessage(turn int) *chatMessage {
	if turn < 1 {
		return nil
	}
	count := 0
	messages := m.session.all()
	for i := range messages {
		if messages[i].Role != roleAssistant {
			continue
		}
		count++
		if count == turn {
			return &messages[i]
		}
	}
	return nil
}

func (m *model) resetSession() {
	m.session.clear()
	m.expandedID = ""
	m.errorLine = ""
	m.statusLine = "new session started"
	m.appendLog("session cleared")
	m.renderPanes()
}

func (m *model) addSelectedFile(path string) {
	for _, existing := range m.selectedFiles {
		if existing == path {
			return
		}
	}
	m.selectedFiles = append(m.selectedFiles, path)
	m.statusLine = fmt.Sprintf("selected %s (%d total)", filepath.Base(path), len(m.selectedFiles))
}

func (m *model) handleSlash(raw string) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return
	}
	switch parts[0] {
	case "/new":
		m.resetSession()
	case "/details":
		if len(parts) < 2 {
			m.errorLine = "usage: /details <answer number>"
			return
		}
		turn, err := strconv.Atoi(parts[1])
		if err != nil || turn < 1 {
			m.errorLine = "usage: /details <answer number>"
			return
		}
		msg := m.assistantMessage(turn)
		if msg == nil {
			m.statusLine = fmt.Sprintf("no answer #%d in this session", turn)
			return
		}
		if len(msg.ToolResults) == 0 {
			m.statusLine = fmt.Sprintf("answer #%d has no tool details", turn)
			return
		}
		m.toggleDisclosure(msg.ID)
		m.renderPanes()
	case "/help":
		m.activeTab = tabHelp
		m.input.Blur()
	case "/quit":
		m.quitConfirm = true
	default:
		m.statusLine = "unknown command: " + parts[0]
	}
}

func (m *model) adjustSetting(delta int) tea.Cmd {
	if delta == 0 {
		return nil
	}
	switch m.settingsIndex {
	case 0:
		m.settings.strictLocal = !m.settings.strictLocal
	case 1:
		if m.settings.strictLocal {
			// Strict local locks the control; the stored value is kept
			// and still transmitted as-is.
			m.statusLine = "web search control is locked while strict local mode is on"
			return nil
		}
		m.settings.webSearchEnabled = !m.settings.webSearchEnabled
	case 2:
		m.settings.fastMode = !m.settings.fastMode
	case 3:
		m.settings.autoRefresh = !m.settings.autoRefresh
		m.pollGen++
		if m.settings.autoRefresh {
			m.statusSeq++
			m.statsSeq++
			m.statusLine = "status polling resumed"
			return tea.Batch(
				m.fetchStatusCmd(m.pollGen, m.statusSeq),
				m.fetchStatsCmd(m.pollGen, m.statsSeq),
			)
		}
		m.statusLine = "status polling paused"
		return nil
	case 4:
		seconds := clampInt(int(m.settings.pollInterval.Seconds())+delta, 2, 120)
		m.settings.pollInterval = time.Duration(seconds) * time.Second
	}
	m.statusLine = "settings updated"
	return nil
}

func (m *model) maxSettingsIndex() int {
	return 4
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case initDoneMsg:
		m.ready = true
		if msg.healthErr != nil {
			m.statusLine = fmt.Sprintf("backend unreachable at %s; polling continues", m.api.baseURL)
			m.appendLog("healthz: " + msg.healthErr.Error())
		} else {
			m.statusLine = "ready · backend=" + m.api.baseURL
		}
	case askDoneMsg:
		// In-flight always clears on settlement, success or not.
		m.asking = false
		if msg.err != nil {
			m.errorLine = msg.err.Error()
			m.statusLine = "query failed"
			m.appendLog("ask failed: " + msg.err.Error())
			m.renderPanes()
			break
		}
		m.errorLine = ""
		m.session.append(messageFromResponse(msg.resp))
		m.statusLine = "answered in " + formatLatency(msg.resp.LatencyMS)
		if msg.resp.FastPath != nil && *msg.resp.FastPath {
			m.statusLine += " · fast path"
		}
		m.appendLog(m.statusLine)
		m.renderPanes()
	case ingestDoneMsg:
		m.ingesting = false
		if msg.err != nil {
			m.errorLine = "ingest failed: " + msg.err.Error()
			m.statusLine = "ingest failed"
			m.appendLog(m.errorLine)
			break
		}
		chunks := 0
		if msg.resp.ChunksCreated != nil {
			chunks = *msg.resp.ChunksCreated
		}
		m.errorLine = ""
		line := strings.TrimSpace(msg.resp.Message)
		if line == "" {
			line = "ingest complete"
		}
		m.statusLine = fmt.Sprintf("%s · %d file(s), %d chunk(s) created", compactSingleLine(line, 100), msg.resp.FilesProcessed, chunks)
		m.appendLog(m.statusLine)
		m.selectedFiles = nil
		m.urlInput.SetValue("")
		// Fresh stats right away instead of waiting for the next poll.
		m.statsSeq++
		cmds = append(cmds, m.fetchStatsCmd(m.pollGen, m.statsSeq))
	case statusFetchedMsg:
		if msg.gen != m.pollGen || msg.seq <= m.statusApplied {
			break
		}
		m.statusApplied = msg.seq
		if msg.err != nil {
			m.status = nil
			break
		}
		status := msg.status
		m.status = &status
	case statsFetchedMsg:
		if msg.gen != m.pollGen || msg.seq <= m.statsApplied {
			break
		}
		m.statsApplied = msg.seq
		if msg.err != nil {
			m.stats = nil
			break
		}
		stats := msg.stats
		m.stats = &stats
	case tickMsg:
		if m.settings.autoRefresh && m.ready {
			m.statusSeq++
			cmds = append(cmds, m.fetchStatusCmd(m.pollGen, m.statusSeq))
			if m.isKbViewActive() {
				m.statsSeq++
				cmds = append(cmds, m.fetchStatsCmd(m.pollGen, m.statsSeq))
			}
		}
		cmds = append(cmds, tickEvery(m.settings.pollInterval))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.activeTab == tabChat {
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			cmds = append(cmds, cmd)
		}
	case tea.KeyMsg:
		return m.updateKey(msg, cmds)
	default:
		var cmd tea.Cmd
		m.picker, cmd = m.picker.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m model) updateKey(msg tea.KeyMsg, cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	if m.quitConfirm {
		switch msg.String() {
		case "y", "Y", "enter":
			return m, tea.Quit
		case "n", "N", "esc":
			m.quitConfirm = false
			m.statusLine = "quit canceled"
		}
		return m, tea.Batch(cmds...)
	}

	switch msg.String() {
	case "tab":
		m.setTab((m.activeTab + 1) % 4)
		return m, tea.Batch(cmds...)
	case "shift+tab":
		m.setTab((m.activeTab + 3) % 4)
		return m, tea.Batch(cmds...)
	case "ctrl+n":
		m.resetSession()
		return m, tea.Batch(cmds...)
	case "esc":
		if m.activeTab == tabKnowledge && m.kbFocus == kbFocusURL {
			m.kbFocus = kbFocusPicker
			m.urlInput.Blur()
			return m, tea.Batch(cmds...)
		}
		if m.activeTab == tabChat {
			m.quitConfirm = true
			return m, tea.Batch(cmds...)
		}
		m.setTab(tabChat)
		return m, tea.Batch(cmds...)
	}

	switch m.activeTab {
	case tabChat:
		switch msg.String() {
		case "enter":
			raw := m.input.Value()
			if strings.HasPrefix(strings.TrimSpace(raw), "/") {
				m.input.SetValue("")
				m.handleSlash(strings.TrimSpace(raw))
				return m, tea.Batch(cmds...)
			}
			if cmd := m.submitQuery(raw); cmd != nil {
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		case "ctrl+e":
			id := m.latestDetailID()
			if id == "" {
				m.statusLine = "no tool details to expand"
				return m, tea.Batch(cmds...)
			}
			m.toggleDisclosure(id)
			m.renderPanes()
			return m, tea.Batch(cmds...)
		case "pgup":
			m.timeline.LineUp(8)
			return m, tea.Batch(cmds...)
		case "pgdown":
			m.timeline.LineDown(8)
			return m, tea.Batch(cmds...)
		case "up":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineUp(4)
				return m, tea.Batch(cmds...)
			}
		case "down":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineDown(4)
				return m, tea.Batch(cmds...)
			}
		case "home":
			m.timeline.GotoTop()
			return m, tea.Batch(cmds...)
		case "end":
			m.timeline.GotoBottom()
			return m, tea.Batch(cmds...)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	case tabKnowledge:
		switch msg.String() {
		case "ctrl+s":
			if cmd := m.submitIngest(); cmd != nil {
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		case "ctrl+u":
			if m.kbFocus == kbFocusURL {
				m.kbFocus = kbFocusPicker
				m.urlInput.Blur()
			} else {
				m.kbFocus = kbFocusURL
				m.urlInput.Focus()
			}
			return m, tea.Batch(cmds...)
		case "ctrl+x":
			m.selectedFiles = nil
			m.urlInput.SetValue("")
			m.statusLine = "ingest selection cleared"
			return m, tea.Batch(cmds...)
		}
		if m.kbFocus == kbFocusURL {
			if msg.String() == "enter" {
				if cmd := m.submitIngest(); cmd != nil {
					cmds = append(cmds, cmd)
				}
				return m, tea.Batch(cmds...)
			}
			var cmd tea.Cmd
			m.urlInput, cmd = m.urlInput.Update(msg)
			cmds = append(cmds, cmd)
			return m, tea.Batch(cmds...)
		}
		var cmd tea.Cmd
		m.picker, cmd = m.picker.Update(msg)
		cmds = append(cmds, cmd)
		if didSelect, path := m.picker.DidSelectFile(msg); didSelect {
			m.addSelectedFile(path)
		}
	case tabSettings:
		switch msg.String() {
		case "up", "k":
			m.settingsIndex = maxInt(0, m.settingsIndex-1)
		case "down", "j":
			m.settingsIndex = minInt(m.maxSettingsIndex(), m.settingsIndex+1)
		case "left", "h", "-":
			if cmd := m.adjustSetting(-1); cmd != nil {
				cmds = append(cmds, cmd)
			}
		case "right", "l", "+", "enter", " ":
			if cmd := m.adjustSetting(1); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	case tabHelp:
	}
	return m, tea.Batch(cmds...)
}

func (m *model) setTab(tab tabID) {
	m.activeTab = tab
	if tab == tabChat {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	if tab != tabKnowledge {
		m.kbFocus = kbFocusPicker
		m.urlInput.Blur()
	}
}

func (m *model) isKbViewActive() bool {
	return m.activeTab == tabKnowledge
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, time.Now().Format("15:04:05")+" "+compactSingleLine(trimmed, 200))
	if len(m.logs) > activityLogMax {
		m.logs = m.logs[len(m.logs)-activityLogMax:]
	}
}

func (m model) View() string {
	header := m.renderHeader()
	content := m.renderContent()
	input := m.renderInput()
	footer := m.renderFooter()
	out := lipgloss.JoinVertical(lipgloss.Left, header, content, input, footer)
	if m.quitConfirm {
		out = m.renderQuitModal()
	}
	return m.theme.root.Render(out)
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabChat, "Chat"},
		{tabKnowledge, "Knowledge"},
		{tabSettings, "Settings"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+1)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	segments = append(segments, m.theme.helpText.Render(m.statusSummary()))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func (m *model) statusSummary() string {
	if m.status == nil {
		return "services: unknown"
	}
	dot := func(ok bool) string {
		if ok {
			return m.theme.okDot.Render("●")
		}
		return m.theme.badDot.Render("●")
	}
	return fmt.Sprintf("qdrant %s es %s redis %s emb %s", dot(m.status.Qdrant), dot(m.status.Elasticsearch), dot(m.status.Redis), dot(m.status.Embeddings))
}

func (m *model) renderContent() string {
	contentHeight := maxInt(8, m.height-10)
	contentWidth := maxInt(40, m.width-4)
	panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
	switch m.activeTab {
	case tabChat:
		return panel.Render(m.theme.panelTitle.Render("Conversation") + "\n" + m.timeline.View())
	case tabKnowledge:
		return panel.Render(m.theme.panelTitle.Render("Knowledge Base") + "\n" + m.renderKnowledge())
	case tabSettings:
		return panel.Render(m.theme.panelTitle.Render("Query Settings") + "\n" + m.renderSettings())
	case tabHelp:
		return panel.Render(m.theme.panelTitle.Render("Help") + "\n" + m.renderHelp())
	default:
		return ""
	}
}

func (m *model) renderTimeline() string {
	messages := m.session.all()
	if len(messages) == 0 {
		return m.theme.helpText.Render("No messages yet. Ask something, or ingest documents on the Knowledge tab.")
	}
	width := maxInt(24, m.timeline.Width-2)
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		clock := msg.CreatedAt.Format("15:04")
		if msg.Role == roleUser {
			b.WriteString(m.theme.userLabel.Render(clock + " you"))
		} else {
			b.WriteString(m.theme.assistantLabel.Render(clock + " assistant"))
		}
		b.WriteString("\n")
		b.WriteString(wordwrap.String(msg.Content, width))
		b.WriteString("\n")
		if msg.Role == roleAssistant {
			b.WriteString(m.renderMessageMeta(msg, width))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderMessageMeta(msg chatMessage, width int) string {
	var b strings.Builder
	meta := make([]string, 0, 4)
	for _, tag := range msg.SourcesUsed {
		meta = append(meta, m.theme.badge.Render("["+tag+"]"))
	}
	if msg.LatencyMS != nil {
		meta = append(meta, m.theme.helpText.Render(formatLatency(*msg.LatencyMS)))
	}
	if msg.FastPath != nil && *msg.FastPath {
		meta = append(meta, m.theme.badge.Render("fast"))
	}
	if msg.ContextCount > 0 {
		meta = append(meta, m.theme.helpText.Render(fmt.Sprintf("ctx=%d", msg.ContextCount)))
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, " "))
		b.WriteString("\n")
	}
	if len(msg.FailedTools) > 0 {
		b.WriteString(m.theme.badgeWarn.Render("failed tools: " + strings.Join(msg.FailedTools, ", ")))
		b.WriteString("\n")
	}
	for _, citation := range msg.Citations {
		b.WriteString(m.theme.citation.Render(wordwrap.String("· "+citation, width)))
		b.WriteString("\n")
	}
	if len(msg.ToolResults) == 0 {
		return b.String()
	}
	if m.expandedID != msg.ID {
		b.WriteString(m.theme.helpText.Render("(tool details available · ctrl+e)"))
		b.WriteString("\n")
		return b.String()
	}
	for _, block := range normalizeToolResults(msg.ToolResults, msg.SourcesUsed) {
		b.WriteString(m.theme.toolTitle.Render("· " + block.Tool))
		b.WriteString("\n")
		b.WriteString(renderToolBlock(block, width))
	}
	return b.String()
}

func renderToolBlock(block toolBlock, width int) string {
	var b strings.Builder
	for _, field := range block.Fields {
		b.WriteString(fmt.Sprintf("  %s: %s\n", field[0], field[1]))
	}
	if len(block.Finance) > 0 {
		b.WriteString(financeTable(block.Finance))
		b.WriteString("\n")
	}
	if block.RawText != "" {
		b.WriteString(wordwrap.String("  "+block.RawText, width))
		b.WriteString("\n")
	}
	for i, hit := range block.Hits {
		b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, hit.Title))
		if hit.URL != "" {
			b.WriteString("     " + hit.URL + "\n")
		}
		if hit.Snippet != "" {
			b.WriteString(wordwrap.String("     "+hit.Snippet, width))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func financeTable(records []financeRecord) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TICKER", "PRICE", "CHANGE", "AS OF")
	for _, record := range records {
		t.Row(record.Ticker, record.Price, record.Change, record.Timestamp)
	}
	return t.Render()
}

func (m *model) renderKnowledge() string {
	var b strings.Builder
	if m.stats == nil {
		b.WriteString("Stats  unknown\n")
	} else {
		b.WriteString(fmt.Sprintf("Stats  documents=%d chunks=%d", m.stats.DocumentCount, m.stats.ChunkCount))
		if strings.TrimSpace(m.stats.LastIngestedAt) != "" {
			b.WriteString(" last_ingested=" + m.stats.LastIngestedAt)
		}
		b.WriteString("\n")
	}
	if m.status == nil {
		b.WriteString("Services  unknown\n")
	} else {
		b.WriteString(fmt.Sprintf("Services  qdrant=%s elasticsearch=%s redis=%s embeddings=%s overall=%s\n",
			onOff(m.status.Qdrant), onOff(m.status.Elasticsearch), onOff(m.status.Redis),
			onOff(m.status.Embeddings), onOff(m.status.Overall)))
	}
	b.WriteString("\n")

	if len(m.selectedFiles) == 0 {
		b.WriteString(m.theme.helpText.Render("No files selected yet.") + "\n")
	} else {
		b.WriteString(fmt.Sprintf("Selected files (%d):\n", len(m.selectedFiles)))
		for _, path := range m.selectedFiles {
			b.WriteString("- " + filepath.Base(path) + "\n")
		}
	}
	b.WriteString("\n")

	urlLabel := "URLs"
	pickerLabel := "Files"
	if m.kbFocus == kbFocusURL {
		urlLabel = m.theme.settingPick.Render("URLs")
	} else {
		pickerLabel = m.theme.settingPick.Render("Files")
	}
	b.WriteString(urlLabel + "  " + m.urlInput.View() + "\n\n")
	b.WriteString(pickerLabel + "\n")
	b.WriteString(m.picker.View())
	b.WriteString("\n")

	if m.ingesting {
		b.WriteString(m.spinner.View() + " ingesting...\n")
	} else {
		b.WriteString(m.theme.helpText.Render("ctrl+s ingest · ctrl+u toggle files/urls · ctrl+x clear selection") + "\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\nRecent activity:\n")
		start := maxInt(0, len(m.logs)-5)
		for _, line := range m.logs[start:] {
			b.WriteString(m.theme.helpText.Render("- "+line) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderSettings() string {
	webSearchValue := onOff(m.settings.webSearchEnabled)
	webSearchHelp := "allow the backend to fall back to web search"
	if m.settings.strictLocal {
		webSearchValue = m.theme.settingLocked.Render(webSearchValue + " (locked)")
		webSearchHelp = "locked while strict local mode is on; stored value unchanged"
	}
	rows := []struct {
		label string
		value string
		help  string
	}{
		{"Strict Local", onOff(m.settings.strictLocal), "answer from the local knowledge base only"},
		{"Web Search", webSearchValue, webSearchHelp},
		{"Fast Mode", onOff(m.settings.fastMode), "let trivial queries skip retrieval"},
		{"Auto Refresh", onOff(m.settings.autoRefresh), "periodic status and stats polling"},
		{"Poll Interval", fmt.Sprintf("%ds", int(m.settings.pollInterval.Seconds())), "seconds between status polls"},
	}
	var b strings.Builder
	b.WriteString(m.theme.helpText.Render("Use ↑/↓ to select and ←/→ (or enter) to change values."))
	b.WriteString("\n\n")
	for i, row := range rows {
		labelStyle := m.theme.settingKey
		valueStyle := m.theme.settingValue
		prefix := "  "
		if i == m.settingsIndex {
			labelStyle = m.theme.settingPick
			valueStyle = m.theme.settingPick
			prefix = "▶ "
		}
		b.WriteString(prefix + labelStyle.Render(fmt.Sprintf("%-14s", row.label)) + " " + valueStyle.Render(row.value) + "\n")
		b.WriteString("   " + m.theme.helpText.Render(row.help) + "\n")
	}
	b.WriteString("\nBackend: " + m.api.baseURL)
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderHelp() string {
	lines := []string{
		"Keys",
		"- Tab / Shift+Tab: switch views",
		"- Enter: send query (Chat) or submit URLs (Knowledge)",
		"- Ctrl+E: expand/collapse tool details on the newest answer",
		"- Ctrl+N: start a new session (clears the conversation)",
		"- Ctrl+S: ingest selected files and URLs (Knowledge)",
		"- Ctrl+U: toggle between file picker and URL field (Knowledge)",
		"- Ctrl+X: clear the ingest selection (Knowledge)",
		"- PgUp/PgDn, Up/Down (input empty), Home/End: scroll the conversation",
		"- Esc: quit prompt (Chat), back to Chat elsewhere",
		"- Ctrl+C: quit",
		"",
		"Slash Commands",
		"- /new — start a new session",
		"- /details <n> — toggle tool details on answer n",
		"- /help — open this view",
		"- /quit — quit prompt",
		"",
		"Notes",
		"- Source badges show which backend subsystems contributed to an answer.",
		"- Only one answer's tool details are expanded at a time.",
		"- Strict local mode locks the web search toggle without changing it.",
		"- Status and stats degrade to unknown while the backend is unreachable.",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}

func (m *model) renderInput() string {
	contentWidth := maxInt(40, m.width-4)
	if m.activeTab != tabChat {
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input lives on the Chat tab. Press Tab to cycle views."))
	}
	inputView := m.input.View()
	if m.asking {
		inputView = m.spinner.View() + " thinking... " + inputView
	}
	return m.theme.inputPanel.Width(contentWidth).Render(inputView)
}

func (m *model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	line := m.theme.status.Render(compactSingleLine(m.statusLine, 160))
	if m.errorLine != "" {
		line = m.theme.errorStatus.Render(compactSingleLine(m.errorLine, 160))
	}
	hints := m.theme.helpText.Render("Tab views · Enter send · Ctrl+E details · Ctrl+N new session · Ctrl+C quit")
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + hints)
}

func (m *model) renderQuitModal() string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.5), 36, 64)
	body := strings.Join([]string{
		m.theme.errorStatus.Render("Quit ragdeck?"),
		m.theme.helpText.Render("The conversation is not persisted and will be lost."),
		"",
		m.theme.settingPick.Render("[Y / Enter] Quit") + "   " + m.theme.helpText.Render("[N / Esc] Stay"),
	}, "\n")
	panel := m.theme.panel.Width(modalWidth).Render(body)
	return lipgloss.Place(canvasWidth, canvasHeight, lipgloss.Center, lipgloss.Center, panel)
}

func (m *model) renderPanes() {
	atBottom := m.timeline.AtBottom()
	offset := m.timeline.YOffset
	contentHeight := maxInt(8, m.height-10)
	contentWidth := maxInt(40, m.width-4)
	m.timeline.Width = maxInt(20, contentWidth-2)
	m.timeline.Height = maxInt(5, contentHeight-2)
	m.timeline.SetContent(m.renderTimeline())
	if atBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(offset)
	}
}

func (m *model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-8)
	m.urlInput.Width = maxInt(20, contentWidth-16)
	m.picker.Height = clampInt(m.height-26, 5, 14)
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if limit > 0 && len(compact) > limit {
		return compact[:limit] + "..."
	}
	return compact
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func clampInt(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func main() {
	cfg := parseFlags()
	opts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if cfg.altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	if _, err := tea.NewProgram(newModel(cfg), opts...).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ragdeck-tui fatal error: %v\n", err)
		os.Exit(1)
	}
}
