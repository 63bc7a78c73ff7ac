// Package session owns the client-side conversation state: the known session
// list, the current session and its messages. All mutations go through Store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/domain"
)

// MaxSessions caps the locally known session list.
const MaxSessions = 10

// WelcomeText greets the user in a fresh session.
const WelcomeText = "¡Hola! Soy tu asistente legal. Puedo ayudarte con consultas sobre derecho " +
	"civil, comercial, laboral y más. ¿En qué puedo ayudarte hoy?"

// Backend is the persistence the store talks to.
type Backend interface {
	CreateSession(ctx context.Context, title string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	RenameSession(ctx context.Context, id, title string) error
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	CreateMessage(ctx context.Context, sessionID string, in domain.MessageInput) (domain.Message, error)
	UpdateMessage(ctx context.Context, sessionID, messageID string, patch domain.MessagePatch) error
}

// Cache persists the session list between runs.
type Cache interface {
	SaveSessions(sessions []domain.Session, currentID string) error
	LoadSessions() ([]domain.Session, string, error)
	Clear() error
}

// Option configures a Store.
type Option func(*Store)

// WithRequestTimeout bounds every backend call.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCache enables the local session cache.
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// Store is the single owner of session and message state.
type Store struct {
	backend Backend
	cache   Cache
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	sessions  []domain.Session
	messages  []domain.Message
	currentID string
	switching bool

	// created records the creation order of sessions made through this
	// store, so a list fetched concurrently does not drop them.
	seq     uint64
	created map[string]uint64

	appendMu sync.Mutex // serializes AddMessage
	cacheMu  sync.Mutex // serializes cache writes
	pending  sync.WaitGroup
}

// New creates a Store.
func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		logger:  slog.New(slog.DiscardHandler),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- snapshots ---

// Sessions returns a copy of the known sessions, most recent first.
func (s *Store) Sessions() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Session(nil), s.sessions...)
}

// Messages returns a copy of the current session's messages.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Message returns a copy of one message of the current session.
func (s *Store) Message(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOfMessage(id); i >= 0 {
		return s.messages[i], true
	}
	return domain.Message{}, false
}

// CurrentID returns the current session id, or "".
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Current returns the current session, if any.
func (s *Store) Current() (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOfSession(s.currentID); i >= 0 {
		return s.sessions[i], true
	}
	return domain.Session{}, false
}

// Switching reports whether a session switch is in flight.
func (s *Store) Switching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switching
}

// Wait blocks until in-flight message patches have been persisted.
func (s *Store) Wait() {
	s.pending.Wait()
}

// --- sessions ---

// Restore seeds the session list and current id from the local cache. It
// does not contact the backend and does nothing if state is already loaded.
func (s *Store) Restore(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	sessions, currentID, err := s.cache.LoadSessions()
	if err != nil {
		s.logger.Warn("restore sessions failed", "error", err)
		return fmt.Errorf("restore sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) > 0 || s.currentID != "" {
		return nil
	}
	s.sessions = capSessions(sessions)
	if s.indexOfSession(currentID) >= 0 {
		s.currentID = currentID
	}
	s.logger.Debug("sessions restored", "count", len(s.sessions), "current", s.currentID)
	return nil
}

// ListSessions reloads the session list from the backend. The backend list
// wins for every session it contains; sessions created here while the request
// was in flight are kept. The result is most recently created first, capped
// at MaxSessions. On failure the previous list is kept.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	since := s.seq
	s.mu.Unlock()

	fetched, err := s.backend.ListSessions(ctx)
	if err != nil {
		s.logger.Warn("list sessions failed", "error", err)
		return s.Sessions(), fmt.Errorf("list sessions: %w", err)
	}

	s.mu.Lock()
	listed := make(map[string]bool, len(fetched))
	for _, sess := range fetched {
		listed[sess.ID] = true
	}
	merged := append([]domain.Session(nil), fetched...)
	for _, sess := range s.sessions {
		if !listed[sess.ID] && s.created[sess.ID] > since {
			merged = append(merged, sess)
		}
	}
	for id, n := range s.created {
		if n <= since {
			delete(s.created, id)
		}
	}
	s.sessions = capSessions(merged)
	if s.currentID != "" && s.indexOfSession(s.currentID) < 0 {
		s.logger.Info("current session no longer listed", "session_id", s.currentID)
		s.currentID = ""
		s.messages = nil
	}
	out := append([]domain.Session(nil), s.sessions...)
	s.mu.Unlock()

	s.persist()
	return out, nil
}

// CreateSession creates a session on the backend and makes it current with a
// fresh welcome message. Nothing changes locally if the backend fails.
func (s *Store) CreateSession(ctx context.Context, title string) (domain.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sess, err := s.backend.CreateSession(ctx, title)
	if err != nil {
		s.logger.Error("create session failed", "error", err)
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}

	s.mu.Lock()
	if i := s.indexOfSession(sess.ID); i >= 0 {
		s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	}
	s.sessions = capSessions(append([]domain.Session{sess}, s.sessions...))
	if s.created == nil {
		s.created = make(map[string]uint64)
	}
	s.seq++
	s.created[sess.ID] = s.seq
	s.currentID = sess.ID
	s.messages = []domain.Message{welcomeMessage(sess.ID)}
	s.mu.Unlock()

	s.logger.Info("session created", "session_id", sess.ID)
	s.persist()
	return sess, nil
}

// SwitchTo makes id the current session and loads its messages. Switching to
// the current session, or while another switch is in flight, does nothing.
// If the messages cannot be loaded the switch still happens with an empty
// list and the error is returned. If id is deleted while its messages load,
// the switch is abandoned.
func (s *Store) SwitchTo(ctx context.Context, id string) error {
	s.mu.Lock()
	if id == s.currentID || s.switching {
		s.mu.Unlock()
		return nil
	}
	if s.indexOfSession(id) < 0 {
		s.mu.Unlock()
		return fmt.Errorf("switch session %s: %w", id, domain.ErrSessionNotFound)
	}
	s.switching = true
	s.mu.Unlock()

	msgs, err := s.loadMessages(ctx, id)

	s.mu.Lock()
	s.switching = false
	if s.indexOfSession(id) < 0 {
		s.mu.Unlock()
		s.logger.Info("switch abandoned, session removed", "session_id", id)
		return fmt.Errorf("switch session %s: %w", id, domain.ErrSessionNotFound)
	}
	s.messages = msgs
	s.currentID = id
	s.mu.Unlock()

	s.persist()
	if err != nil {
		return fmt.Errorf("switch session %s: %w", id, err)
	}
	return nil
}

// ReloadMessages reloads the current session's messages. On failure the
// current list is kept.
func (s *Store) ReloadMessages(ctx context.Context) error {
	id := s.CurrentID()
	if id == "" {
		return nil
	}
	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("reload messages: %w", err)
	}
	s.mu.Lock()
	if s.currentID == id {
		s.messages = msgs
		if i := s.indexOfSession(id); i >= 0 {
			s.sessions[i].MessageCount = len(msgs)
		}
	}
	s.mu.Unlock()
	return nil
}

// DeleteSession removes a session from the backend and the local list. When
// the current session is deleted the first remaining session becomes current.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tctx, cancel := s.withTimeout(ctx)
	err := s.backend.DeleteSession(tctx, id)
	cancel()
	if err != nil && !backend.IsNotFound(err) {
		s.logger.Error("delete session failed", "session_id", id, "error", err)
		return fmt.Errorf("delete session: %w", err)
	}

	s.mu.Lock()
	if i := s.indexOfSession(id); i >= 0 {
		s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	}
	wasCurrent := s.currentID == id
	next := ""
	if wasCurrent {
		if len(s.sessions) > 0 {
			next = s.sessions[0].ID
		}
		s.currentID = next
		s.messages = nil
	}
	s.mu.Unlock()

	s.logger.Info("session deleted", "session_id", id, "next", next)
	s.persist()

	if next == "" {
		return nil
	}
	if msgs, err := s.loadMessages(ctx, next); err == nil {
		s.mu.Lock()
		if s.currentID == next {
			s.messages = msgs
		}
		s.mu.Unlock()
	}
	return nil
}

// RenameSession changes a session title on the backend and locally.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("rename session: empty title")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.backend.RenameSession(ctx, id, title); err != nil {
		s.logger.Error("rename session failed", "session_id", id, "error", err)
		return fmt.Errorf("rename session: %w", err)
	}

	s.mu.Lock()
	if i := s.indexOfSession(id); i >= 0 {
		s.sessions[i].Title = title
	}
	s.mu.Unlock()
	s.persist()
	return nil
}

// ClearAll drops all local state without contacting the backend.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.sessions = nil
	s.messages = nil
	s.currentID = ""
	s.switching = false
	s.created = nil
	s.mu.Unlock()

	if s.cache != nil {
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		if err := s.cache.Clear(); err != nil {
			s.logger.Warn("clear cache failed", "error", err)
		}
	}
}

// --- messages ---

// AddMessage persists a message and appends the server's copy. sessionID
// defaults to the current session. Calls are applied in call order.
func (s *Store) AddMessage(ctx context.Context, in domain.MessageInput, sessionID string) (domain.Message, error) {
	sid, err := s.resolve(sessionID)
	if err != nil {
		s.logger.Error("add message without session", "error", err)
		return domain.Message{}, fmt.Errorf("add message: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg, err := s.backend.CreateMessage(ctx, sid, in)
	if err != nil {
		s.logger.Error("add message failed", "session_id", sid, "error", err)
		return domain.Message{}, fmt.Errorf("add message: %w", err)
	}

	s.mu.Lock()
	if sid == s.currentID {
		s.messages = append(s.messages, msg)
	}
	if i := s.indexOfSession(sid); i >= 0 {
		sess := &s.sessions[i]
		sess.MessageCount++
		sess.UpdatedAt = msg.Timestamp
		if in.Role == domain.RoleUser && sess.Title == domain.DefaultSessionTitle && in.Content != "" {
			sess.Title = domain.TitleFromContent(in.Content)
		}
	}
	s.mu.Unlock()

	s.persist()
	return msg, nil
}

// UpdateMessage applies patch to a message right away and persists it in the
// background. A persistence failure is logged and not rolled back.
func (s *Store) UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch, sessionID string) error {
	if patch.Empty() {
		return nil
	}
	sid, err := s.resolve(sessionID)
	if err != nil {
		s.logger.Error("update message without session", "error", err)
		return fmt.Errorf("update message: %w", err)
	}

	s.mu.Lock()
	i := -1
	if sid == s.currentID {
		i = s.indexOfMessage(messageID)
		if i < 0 {
			s.mu.Unlock()
			return fmt.Errorf("update message %s: %w", messageID, domain.ErrMessageNotFound)
		}
		patch.Apply(&s.messages[i])
	}
	if j := s.indexOfSession(sid); j >= 0 {
		s.sessions[j].UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	s.persist()

	if isLocalMessage(messageID) {
		return nil
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.backend.UpdateMessage(pctx, sid, messageID, patch); err != nil {
			s.logger.Warn("persist message update failed",
				"session_id", sid, "message_id", messageID, "error", err)
		}
	}()
	return nil
}

// --- helpers ---

func (s *Store) loadMessages(ctx context.Context, id string) ([]domain.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	msgs, err := s.backend.ListMessages(ctx, id)
	if err != nil {
		s.logger.Warn("load messages failed", "session_id", id, "error", err)
		return nil, err
	}
	return msgs, nil
}

func (s *Store) resolve(sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID == "" {
		return "", domain.ErrNoSession
	}
	return s.currentID, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) persist() {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.mu.Lock()
	sessions := append([]domain.Session(nil), s.sessions...)
	current := s.currentID
	s.mu.Unlock()

	if err := s.cache.SaveSessions(sessions, current); err != nil {
		s.logger.Warn("save session cache failed", "error", err)
	}
}

// indexOfSession requires s.mu.
func (s *Store) indexOfSession(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// indexOfMessage requires s.mu.
func (s *Store) indexOfMessage(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func capSessions(in []domain.Session) []domain.Session {
	out := append([]domain.Session(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > MaxSessions {
		out = out[:MaxSessions]
	}
	return out
}

const welcomePrefix = "welcome-"

func welcomeMessage(sessionID string) domain.Message {
	return domain.Message{
		ID:        welcomePrefix + uuid.NewString(),
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   WelcomeText,
		Timestamp: time.Now(),
	}
}

// IsWelcome reports whether m is the synthetic greeting, which is never
// persisted.
func IsWelcome(m domain.Message) bool {
	return isLocalMessage(m.ID)
}

func isLocalMessage(id string) bool {
	return strings.HasPrefix(id, welcomePrefix)
}
