// Package chat drives a conversation: it ties the session store, the query
// engine, the streaming renderer and the voice orchestrator together and
// reports progress as events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/domain"
	"github.com/jwulff/consulta/internal/stream"
	"github.com/jwulff/consulta/internal/voice"
)

// Sessions is the conversation state the controller drives.
type Sessions interface {
	voice.MessageStore
	Sessions() []domain.Session
	Messages() []domain.Message
	Message(id string) (domain.Message, bool)
	CurrentID() string
	ListSessions(ctx context.Context) ([]domain.Session, error)
	CreateSession(ctx context.Context, title string) (domain.Session, error)
	SwitchTo(ctx context.Context, id string) error
	ReloadMessages(ctx context.Context) error
	DeleteSession(ctx context.Context, id string) error
	RenameSession(ctx context.Context, id, title string) error
}

// Engine is the backend surface used beyond session storage.
type Engine interface {
	voice.Gateway
	Query(ctx context.Context, q domain.QueryRequest) (domain.QueryResult, error)
	UploadDocument(ctx context.Context, filename string, r io.Reader, category string) (domain.Document, error)
	Suggestions(ctx context.Context) ([]domain.SuggestionCategory, error)
	Health(ctx context.Context) (string, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// EventKind classifies controller events.
type EventKind int

const (
	EventMessages EventKind = iota
	EventSessions
	EventPartial
	EventProcessing
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessages:
		return "messages"
	case EventSessions:
		return "sessions"
	case EventPartial:
		return "partial"
	case EventProcessing:
		return "processing"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event reports a change. Text carries the revealed prefix for partials.
type Event struct {
	Kind       EventKind
	SessionID  string
	MessageID  string
	Text       string
	Processing bool
	Err        error
}

// Options configures a Controller.
type Options struct {
	Streamer     voice.Streamer
	Language     string
	VoiceStyle   string
	SpeechFormat string
	Area         string
	Logger       *slog.Logger
	EventBuffer  int
	// RequestTimeout bounds each backend call made here or by the voice
	// orchestrator. Defaults to voice.DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Controller runs conversation operations. Sends are applied one at a time.
type Controller struct {
	sessions Sessions
	engine   Engine
	streamer voice.Streamer
	voice    *voice.Orchestrator
	area     string
	timeout  time.Duration
	logger   *slog.Logger

	events chan Event
	sendMu sync.Mutex
	busy   atomic.Int32

	docMu sync.Mutex
	docs  []domain.Document
}

// New creates a Controller.
func New(sessions Sessions, engine Engine, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Streamer == nil {
		opts.Streamer = stream.New(stream.DefaultBaseDelay)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = voice.DefaultRequestTimeout
	}
	c := &Controller{
		sessions: sessions,
		engine:   engine,
		streamer: opts.Streamer,
		area:     opts.Area,
		timeout:  opts.RequestTimeout,
		logger:   opts.Logger,
		events:   make(chan Event, opts.EventBuffer),
	}
	c.voice = voice.New(engine, sessions, opts.Streamer, voice.Options{
		Language:       opts.Language,
		VoiceStyle:     opts.VoiceStyle,
		SpeechFormat:   opts.SpeechFormat,
		RequestTimeout: opts.RequestTimeout,
		Logger:         opts.Logger,
		OnReveal:       c.partial,
		OnProcessing:   func(bool) { c.emitProcessing() },
	})
	return c
}

// Events returns the event stream. Events are dropped when nobody reads and
// the buffer is full; state is always readable from the session store.
func (c *Controller) Events() <-chan Event { return c.events }

// Processing reports whether a send or voice operation is in flight.
func (c *Controller) Processing() bool {
	return c.busy.Load() > 0 || c.voice.Processing()
}

// Voice exposes the voice orchestrator.
func (c *Controller) Voice() *voice.Orchestrator { return c.voice }

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		if ev.Kind != EventPartial {
			c.logger.Warn("event dropped", "kind", ev.Kind.String())
		}
	}
}

func (c *Controller) partial(sessionID, messageID, prefix string) {
	c.emit(Event{Kind: EventPartial, SessionID: sessionID, MessageID: messageID, Text: prefix})
}

func (c *Controller) emitProcessing() {
	c.emit(Event{Kind: EventProcessing, Processing: c.Processing()})
}

func (c *Controller) fail(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	c.emit(Event{Kind: EventError, Err: err})
	return err
}

func (c *Controller) changed(sessionID string) {
	c.emit(Event{Kind: EventMessages, SessionID: sessionID})
	c.emit(Event{Kind: EventSessions, SessionID: sessionID})
}

func (c *Controller) begin() func() {
	c.sendMu.Lock()
	c.busy.Add(1)
	c.emitProcessing()
	return func() {
		c.busy.Add(-1)
		c.sendMu.Unlock()
		c.emitProcessing()
	}
}

// ensureSession returns the current session, creating one when there is none.
func (c *Controller) ensureSession(ctx context.Context) (string, error) {
	if id := c.sessions.CurrentID(); id != "" {
		return id, nil
	}
	sess, err := c.sessions.CreateSession(ctx, "")
	if err != nil {
		return "", err
	}
	c.changed(sess.ID)
	return sess.ID, nil
}

// Send asks a text question and reveals the answer. It returns the final
// assistant message.
func (c *Controller) Send(ctx context.Context, text string) (domain.Message, error) {
	q := domain.QueryRequest{Query: text, Method: domain.MethodText, Area: c.area}
	if err := q.Validate(); err != nil {
		return domain.Message{}, c.fail("send", err)
	}

	done := c.begin()
	defer done()

	sid, err := c.ensureSession(ctx)
	if err != nil {
		return domain.Message{}, c.fail("send", err)
	}

	if _, err := c.sessions.AddMessage(ctx, domain.MessageInput{Role: domain.RoleUser, Content: text}, sid); err != nil {
		return domain.Message{}, c.fail("send", err)
	}
	c.changed(sid)

	q.SessionID = sid
	q.DocumentIDs = c.DocumentIDs()
	qctx, cancel := context.WithTimeout(ctx, c.timeout)
	answer, err := c.engine.Query(qctx, q)
	cancel()
	if err != nil {
		c.logger.Error("query failed", "session_id", sid, "error", err)
		return domain.Message{}, c.fail("send", err)
	}

	in := voice.AnswerInput(answer)
	in.Content = ""
	placeholder, err := c.sessions.AddMessage(ctx, in, sid)
	if err != nil {
		return domain.Message{}, c.fail("send", err)
	}
	c.changed(sid)

	msg, err := voice.RevealAnswer(ctx, c.streamer, c.sessions, placeholder, answer.Response, c.partial)
	c.changed(sid)
	if err != nil {
		return msg, c.fail("send", err)
	}
	c.logger.Info("answer delivered",
		"session_id", sid,
		"message_id", msg.ID,
		"sources", len(answer.Sources),
		"processing_time", answer.Metadata.ProcessingTime)
	return msg, nil
}

// SendVoice submits a finished recording as a question.
func (c *Controller) SendVoice(ctx context.Context, rec audio.Recording, mode domain.ResponseMode) (voice.Result, error) {
	if rec.Blob == nil || rec.Blob.Len() == 0 {
		return voice.Result{}, c.fail("send voice", domain.ErrEmptyAudio)
	}
	done := c.begin()
	defer done()

	sid, err := c.ensureSession(ctx)
	if err != nil {
		return voice.Result{}, c.fail("send voice", err)
	}
	res, err := c.voice.SubmitVoiceQuery(ctx, sid, rec, mode, c.DocumentIDs())
	c.changed(sid)
	if err != nil {
		return res, c.fail("send voice", err)
	}
	return res, nil
}

// Transcribe converts a recording to text, for pre-filling the input.
func (c *Controller) Transcribe(ctx context.Context, blob *audio.Blob) (string, error) {
	text, err := c.voice.Transcribe(ctx, blob)
	if err != nil {
		return "", c.fail("transcribe", err)
	}
	return text, nil
}

// Speak synthesizes a message's text and attaches the audio to it.
func (c *Controller) Speak(ctx context.Context, messageID string) (domain.Speech, error) {
	msg, ok := c.sessions.Message(messageID)
	if !ok {
		return domain.Speech{}, c.fail("speak", domain.ErrMessageNotFound)
	}
	speech, err := c.voice.GenerateSpeech(ctx, msg.Content)
	if err != nil {
		return domain.Speech{}, c.fail("speak", err)
	}
	url := speech.AudioURL
	if err := c.sessions.UpdateMessage(ctx, messageID, domain.MessagePatch{AudioURL: &url}, msg.SessionID); err != nil {
		return speech, c.fail("speak", err)
	}
	c.emit(Event{Kind: EventMessages, SessionID: msg.SessionID, MessageID: messageID})
	return speech, nil
}

// Audio returns the bytes behind a message audio URL. Local recordings are
// read from disk; anything else is downloaded from the backend.
func (c *Controller) Audio(ctx context.Context, url string) ([]byte, error) {
	if path, ok := audio.PathFromURL(url); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read recording: %w", err)
		}
		return data, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	data, _, err := c.engine.Download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	return data, nil
}

// AttachDocument uploads a file; its ID is sent with later queries.
func (c *Controller) AttachDocument(ctx context.Context, path, category string) (domain.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Document{}, c.fail("attach document", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	doc, err := c.engine.UploadDocument(ctx, filepath.Base(path), f, category)
	if err != nil {
		return domain.Document{}, c.fail("attach document", err)
	}
	c.docMu.Lock()
	c.docs = append(c.docs, doc)
	c.docMu.Unlock()
	c.logger.Info("document attached", "document_id", doc.ID, "filename", doc.Filename, "size", doc.Size)
	return doc, nil
}

// Documents returns the attached documents.
func (c *Controller) Documents() []domain.Document {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	return append([]domain.Document(nil), c.docs...)
}

// DocumentIDs returns the IDs of the attached documents.
func (c *Controller) DocumentIDs() []string {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	if len(c.docs) == 0 {
		return nil
	}
	ids := make([]string, len(c.docs))
	for i, d := range c.docs {
		ids[i] = d.ID
	}
	return ids
}

// DetachDocuments forgets all attached documents.
func (c *Controller) DetachDocuments() {
	c.docMu.Lock()
	c.docs = nil
	c.docMu.Unlock()
}

// --- sessions ---

// NewSession creates and selects a session.
func (c *Controller) NewSession(ctx context.Context, title string) (domain.Session, error) {
	sess, err := c.sessions.CreateSession(ctx, title)
	if err != nil {
		return domain.Session{}, c.fail("new session", err)
	}
	c.changed(sess.ID)
	return sess, nil
}

// SwitchTo selects a session and loads its messages.
func (c *Controller) SwitchTo(ctx context.Context, id string) error {
	err := c.sessions.SwitchTo(ctx, id)
	c.changed(c.sessions.CurrentID())
	if err != nil {
		return c.fail("switch session", err)
	}
	return nil
}

// DeleteSession removes a session.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	err := c.sessions.DeleteSession(ctx, id)
	c.changed(c.sessions.CurrentID())
	if err != nil {
		return c.fail("delete session", err)
	}
	return nil
}

// RenameSession changes a session title.
func (c *Controller) RenameSession(ctx context.Context, id, title string) error {
	if err := c.sessions.RenameSession(ctx, id, title); err != nil {
		return c.fail("rename session", err)
	}
	c.emit(Event{Kind: EventSessions, SessionID: id})
	return nil
}

// Refresh reloads the session list and the current conversation.
func (c *Controller) Refresh(ctx context.Context) error {
	_, listErr := c.sessions.ListSessions(ctx)
	var loadErr error
	if c.sessions.CurrentID() != "" {
		loadErr = c.sessions.ReloadMessages(ctx)
	}
	c.changed(c.sessions.CurrentID())
	if err := errors.Join(listErr, loadErr); err != nil {
		return c.fail("refresh", err)
	}
	return nil
}

// Suggestions returns example questions by category.
func (c *Controller) Suggestions(ctx context.Context) ([]domain.SuggestionCategory, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cats, err := c.engine.Suggestions(ctx)
	if err != nil {
		c.logger.Warn("load suggestions failed", "error", err)
		return nil, fmt.Errorf("suggestions: %w", err)
	}
	return cats, nil
}

// Health reports the backend status.
func (c *Controller) Health(ctx context.Context) (string, error) {
	return c.engine.Health(ctx)
}
