package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwulff/consulta/internal/domain"
)

// DefaultUserID is sent when no user is configured.
const DefaultUserID = "anonymous_user"

var (
	voiceStyles   = map[string]bool{"legal": true, "formal": true, "casual": true}
	speechFormats = map[string]bool{"mp3": true, "wav": true}
)

// Client talks to the legal Q&A backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userID     string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the HTTP client timeout, a backstop behind per-call contexts.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithUserID sets the user id sent with queries and uploads.
func WithUserID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.userID = id
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		userID:     DefaultUserID,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// UserID returns the configured user id.
func (c *Client) UserID() string { return c.userID }

// --- sessions ---

// CreateSession calls POST /chat/sessions.
func (c *Client) CreateSession(ctx context.Context, title string) (domain.Session, error) {
	const op = "create session"
	var out SessionJSON
	if err := c.doJSON(ctx, op, http.MethodPost, "/chat/sessions", CreateSessionRequest{Title: title}, &out); err != nil {
		return domain.Session{}, err
	}
	return out.toDomain(op)
}

// ListSessions calls GET /chat/sessions.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	const op = "list sessions"
	var out []SessionJSON
	if err := c.doJSON(ctx, op, http.MethodGet, "/chat/sessions", nil, &out); err != nil {
		return nil, err
	}
	sessions := make([]domain.Session, 0, len(out))
	for _, s := range out {
		sess, err := s.toDomain(op)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// DeleteSession calls DELETE /chat/sessions/{id}.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, "delete session", http.MethodDelete, "/chat/sessions/"+url.PathEscape(id), nil, nil)
}

// RenameSession calls PUT /chat/sessions/{id}/title.
func (c *Client) RenameSession(ctx context.Context, id, title string) error {
	path := "/chat/sessions/" + url.PathEscape(id) + "/title?title=" + url.QueryEscape(title)
	return c.doJSON(ctx, "rename session", http.MethodPut, path, nil, nil)
}

// --- messages ---

// ListMessages calls GET /chat/sessions/{id}/messages.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	const op = "list messages"
	var out []MessageJSON
	if err := c.doJSON(ctx, op, http.MethodGet, messagesPath(sessionID), nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(out))
	for _, m := range out {
		msg, err := m.toDomain(op, sessionID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// CreateMessage calls POST /chat/sessions/{id}/messages. The returned message
// carries the server-assigned id and timestamp.
func (c *Client) CreateMessage(ctx context.Context, sessionID string, in domain.MessageInput) (domain.Message, error) {
	const op = "create message"
	req := AddMessageRequest{
		SessionID:     sessionID,
		Type:          string(in.Role),
		Content:       in.Content,
		AudioURL:      in.AudioURL,
		Transcription: in.Transcription,
		Sources:       sourcesToWire(in.Sources),
		Confidence:    in.Confidence,
		Area:          in.Area,
	}
	var out MessageJSON
	if err := c.doJSON(ctx, op, http.MethodPost, messagesPath(sessionID), req, &out); err != nil {
		return domain.Message{}, err
	}
	return out.toDomain(op, sessionID)
}

// UpdateMessage calls PATCH /chat/sessions/{id}/messages/{mid}.
func (c *Client) UpdateMessage(ctx context.Context, sessionID, messageID string, patch domain.MessagePatch) error {
	req := PatchMessageRequest{
		Content:       patch.Content,
		AudioURL:      patch.AudioURL,
		Transcription: patch.Transcription,
		Sources:       sourcesToWire(patch.Sources),
		Confidence:    patch.Confidence,
		Area:          patch.Area,
	}
	path := messagesPath(sessionID) + "/" + url.PathEscape(messageID)
	return c.doJSON(ctx, "update message", http.MethodPatch, path, req, nil)
}

func messagesPath(sessionID string) string {
	return "/chat/sessions/" + url.PathEscape(sessionID) + "/messages"
}

// --- query ---

// Query calls POST /rag/query.
func (c *Client) Query(ctx context.Context, q domain.QueryRequest) (domain.QueryResult, error) {
	const op = "submit query"
	if err := q.Validate(); err != nil {
		return domain.QueryResult{}, err
	}
	method := q.Method
	if method == "" {
		method = domain.MethodText
	}
	area := q.Area
	if area == "" {
		area = "general"
	}
	userID := q.UserID
	if userID == "" {
		userID = c.userID
	}
	docIDs := q.DocumentIDs
	if docIDs == nil {
		docIDs = []string{}
	}
	req := QueryRequestJSON{
		Query:       strings.TrimSpace(q.Query),
		Method:      string(method),
		Area:        area,
		UserID:      userID,
		SessionID:   q.SessionID,
		DocumentIDs: docIDs,
	}
	var out QueryResponseJSON
	if err := c.doJSON(ctx, op, http.MethodPost, "/rag/query", req, &out); err != nil {
		return domain.QueryResult{}, err
	}
	res, err := out.toDomain(op)
	if err != nil {
		return domain.QueryResult{}, err
	}
	res.AudioURL = c.resolve(res.AudioURL)
	return res, nil
}

// Suggestions calls GET /rag/suggestions.
func (c *Client) Suggestions(ctx context.Context) ([]domain.SuggestionCategory, error) {
	var out SuggestionsResponse
	if err := c.doJSON(ctx, "list suggestions", http.MethodGet, "/rag/suggestions", nil, &out); err != nil {
		return nil, err
	}
	cats := make([]domain.SuggestionCategory, 0, len(out.Suggestions))
	for _, s := range out.Suggestions {
		cats = append(cats, domain.SuggestionCategory{Category: s.Category, Queries: s.Queries})
	}
	return cats, nil
}

// Health calls GET /rag/health and returns the reported status.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out HealthResponse
	if err := c.doJSON(ctx, "health check", http.MethodGet, "/rag/health", nil, &out); err != nil {
		return "", err
	}
	if out.Status == "" {
		return "", contractError("health check", "status")
	}
	return out.Status, nil
}

// --- voice ---

// SpeechToText uploads a clip to POST /voice/speech-to-text.
func (c *Client) SpeechToText(ctx context.Context, clip domain.AudioClip, language string) (domain.Transcription, error) {
	const op = "speech to text"
	if len(clip.Data) == 0 {
		return domain.Transcription{}, domain.ErrEmptyAudio
	}
	form := newForm()
	form.file("audio_file", clip.Filename(), clipMIME(clip), bytes.NewReader(clip.Data))
	form.field("language", orDefault(language, "es"))

	var out SpeechToTextResponse
	if err := c.doForm(ctx, op, "/voice/speech-to-text", form, &out); err != nil {
		return domain.Transcription{}, err
	}
	if out.Transcription == nil {
		return domain.Transcription{}, contractError(op, "transcription")
	}
	text := strings.TrimSpace(out.Transcription.Text)
	if text == "" {
		return domain.Transcription{}, fmt.Errorf("%s: %w", op, domain.ErrEmptyTranscription)
	}
	return domain.Transcription{
		Text:       text,
		Language:   out.Transcription.Language,
		Confidence: out.Transcription.Confidence,
	}, nil
}

// TextToSpeech calls POST /voice/text-to-speech. Unknown styles fall back to
// "legal" and unknown formats to "mp3".
func (c *Client) TextToSpeech(ctx context.Context, text, style, format string) (domain.Speech, error) {
	const op = "text to speech"
	if strings.TrimSpace(text) == "" {
		return domain.Speech{}, fmt.Errorf("%s: empty text", op)
	}
	style = CoerceVoiceStyle(style)
	if !speechFormats[format] {
		format = "mp3"
	}
	form := newForm()
	form.field("text", text)
	form.field("voice_style", style)
	form.field("output_format", format)

	var out TextToSpeechResponse
	if err := c.doForm(ctx, op, "/voice/text-to-speech", form, &out); err != nil {
		return domain.Speech{}, err
	}
	if out.DownloadURL == "" {
		return domain.Speech{}, contractError(op, "download_url")
	}
	if out.AudioInfo.Format != "" {
		format = out.AudioInfo.Format
	}
	return domain.Speech{AudioURL: c.resolve(out.DownloadURL), Format: format}, nil
}

// CoerceVoiceStyle maps unknown voice styles to "legal".
func CoerceVoiceStyle(style string) string {
	if voiceStyles[style] {
		return style
	}
	return "legal"
}

// VoiceQuery uploads a spoken question to POST /voice/voice-query. In audio
// mode AudioURL is empty when the backend could not synthesize the answer.
func (c *Client) VoiceQuery(ctx context.Context, vq domain.VoiceQuery) (domain.QueryResult, error) {
	const op = "voice query"
	if len(vq.Audio.Data) == 0 {
		return domain.QueryResult{}, domain.ErrEmptyAudio
	}
	mode := vq.Mode
	if !mode.Valid() {
		mode = domain.ResponseText
	}
	form := newForm()
	form.file("audio_file", vq.Audio.Filename(), clipMIME(vq.Audio), bytes.NewReader(vq.Audio.Data))
	form.field("voice_response_style", CoerceVoiceStyle(vq.VoiceStyle))
	form.field("language", orDefault(vq.Language, "es"))
	form.field("response_mode", string(mode))
	if len(vq.DocumentIDs) > 0 {
		form.field("document_ids", strings.Join(vq.DocumentIDs, ","))
	}

	var out QueryResponseJSON
	if err := c.doForm(ctx, op, "/voice/voice-query", form, &out); err != nil {
		return domain.QueryResult{}, err
	}
	res, err := out.toDomain(op)
	if err != nil {
		return domain.QueryResult{}, err
	}
	if strings.TrimSpace(res.Metadata.Transcription) == "" {
		return domain.QueryResult{}, contractError(op, "metadata.transcription")
	}
	if mode == domain.ResponseAudio && res.AudioURL == "" {
		c.logger.Warn("voice query answered without audio", "transcription", res.Metadata.Transcription)
	}
	res.AudioURL = c.resolve(res.AudioURL)
	return res, nil
}

// --- documents ---

// UploadDocument calls POST /documents/upload.
func (c *Client) UploadDocument(ctx context.Context, filename string, r io.Reader, category string) (domain.Document, error) {
	const op = "upload document"
	data, err := io.ReadAll(io.LimitReader(r, domain.MaxDocumentSize+1))
	if err != nil {
		return domain.Document{}, fmt.Errorf("read document: %w", err)
	}
	if len(data) > domain.MaxDocumentSize {
		return domain.Document{}, domain.ErrDocumentTooLarge
	}
	name := filepath.Base(filename)
	form := newForm()
	form.file("file", name, documentMIME(name), bytes.NewReader(data))
	form.field("user_id", c.userID)
	form.field("document_type", orDefault(category, "general"))
	form.field("description", "")

	var out UploadDocumentResponse
	if err := c.doForm(ctx, op, "/documents/upload", form, &out); err != nil {
		return domain.Document{}, err
	}
	if out.Document == nil {
		return domain.Document{}, contractError(op, "document")
	}
	return out.Document.toDomain(op)
}

// Download fetches an audio resource returned by the backend. Relative URLs
// are resolved against the base URL.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	const op = "download audio"
	target := c.resolve(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.send(op, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &TransportError{Op: op, URL: target, Err: err}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) resolve(raw string) string {
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return c.baseURL + raw
}

// --- transport ---

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.roundTrip(op, req, out)
}

func (c *Client) doForm(ctx context.Context, op, path string, f *form, out any) error {
	body, contentType, err := f.encode()
	if err != nil {
		return fmt.Errorf("encode %s form: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	return c.roundTrip(op, req, out)
}

func (c *Client) roundTrip(op string, req *http.Request, out any) error {
	resp, err := c.send(op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decode response: %v", op, ErrContract, err)
	}
	return nil
}

func (c *Client) send(op string, req *http.Request) (*http.Response, error) {
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", "op", op, "request_id", reqID, "error", err)
		return nil, &TransportError{Op: op, URL: req.URL.String(), Err: err}
	}
	c.logger.Debug("backend request", "op", op, "method", req.Method, "path", req.URL.Path,
		"status", resp.StatusCode, "request_id", reqID, "elapsed", time.Since(start))
	return resp, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &APIError{Op: op, Status: resp.StatusCode, Detail: errorDetail(data)}
}

// errorDetail extracts FastAPI's "detail", which is a string or a list of
// validation objects.
func errorDetail(data []byte) string {
	var env ErrorResponse
	if err := json.Unmarshal(data, &env); err != nil || env.Detail == nil {
		return strings.TrimSpace(string(data))
	}
	switch d := env.Detail.(type) {
	case string:
		return d
	case []any:
		var parts []string
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				if msg, ok := m["msg"].(string); ok {
					parts = append(parts, msg)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	raw, _ := json.Marshal(env.Detail)
	return string(raw)
}

// form is an ordered multipart body.
type form struct {
	parts []formPart
}

type formPart struct {
	name     string
	value    string
	filename string
	mime     string
	r        io.Reader
}

func newForm() *form { return &form{} }

func (f *form) field(name, value string) {
	f.parts = append(f.parts, formPart{name: name, value: value})
}

func (f *form) file(name, filename, mime string, r io.Reader) {
	f.parts = append(f.parts, formPart{name: name, filename: filename, mime: mime, r: r})
}

func (f *form) encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range f.parts {
		if p.r == nil {
			if err := w.WriteField(p.name, p.value); err != nil {
				return nil, "", fmt.Errorf("write field %s: %w", p.name, err)
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.name, p.filename))
		h.Set("Content-Type", p.mime)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", p.name, err)
		}
		if _, err := io.Copy(part, p.r); err != nil {
			return nil, "", fmt.Errorf("copy part %s: %w", p.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func clipMIME(clip domain.AudioClip) string {
	if clip.MIME != "" {
		return clip.MIME
	}
	return "audio/wav"
}

func documentMIME(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
