// Package app is the bubbletea front end: a session list, the conversation
// transcript and an input line, driven by the chat controller.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/chat"
	"github.com/jwulff/consulta/internal/domain"
	"github.com/jwulff/consulta/internal/session"
)

// PanelFocus tracks which panel has keyboard focus.
type PanelFocus int

const (
	FocusSessions PanelFocus = iota
	FocusConversation
)

// healthInterval is the probe period while connected.
const healthInterval = 30 * time.Second

var errNoMicrophone = errors.New("micrófono no disponible")

// Deps are the collaborators the model drives.
type Deps struct {
	Context    context.Context
	Controller *chat.Controller
	Store      *session.Store
	// Capture is nil when no microphone could be opened.
	Capture    *audio.Capture
	Recordings <-chan audio.Recording
	// Player is nil when audio output is unavailable.
	Player *audio.Player
	Mode   domain.ResponseMode
	Logger *slog.Logger
}

// Model is the root bubbletea model.
type Model struct {
	ctx        context.Context
	ctrl       *chat.Controller
	store      *session.Store
	capture    *audio.Capture
	recordings <-chan audio.Recording
	player     *audio.Player
	logger     *slog.Logger

	// Connection state
	connected        bool
	connError        string
	reconnecting     bool
	reconnectAttempt int

	// Conversation
	sessions    []domain.Session
	selected    int
	currentID   string
	messages    []domain.Message
	partialID   string
	partialText string
	processing  bool
	suggestions []domain.SuggestionCategory
	documents   []domain.Document

	// Voice
	rec     audio.Recording
	mode    domain.ResponseMode
	playing bool

	input []rune

	// UI state
	focusedPanel PanelFocus
	width        int
	height       int
	scroll       int
	live         bool

	errorMessage   string
	errorTransient bool
	statusText     string
}

// New creates a Model.
func New(d Deps) Model {
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if !d.Mode.Valid() {
		d.Mode = domain.ResponseText
	}
	return Model{
		ctx:          d.Context,
		ctrl:         d.Controller,
		store:        d.Store,
		capture:      d.Capture,
		recordings:   d.Recordings,
		player:       d.Player,
		logger:       d.Logger,
		mode:         d.Mode,
		live:         true,
		focusedPanel: FocusConversation,
		statusText:   "Conectando con el servidor...",
	}
}

// Init probes the backend, restores sessions and starts the event readers.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		healthCmd(m.ctx, m.ctrl),
		restoreCmd(m.ctx, m.store, m.ctrl),
		readEventCmd(m.ctrl.Events()),
		suggestionsCmd(m.ctx, m.ctrl),
	}
	if m.recordings != nil {
		cmds = append(cmds, readRecordingCmd(m.recordings))
	}
	return tea.Batch(cmds...)
}

// --- commands ---

func healthCmd(ctx context.Context, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		status, err := ctrl.Health(ctx)
		if err != nil {
			return HealthErrorMsg{Err: err}
		}
		return HealthMsg{Status: status}
	}
}

// reconnectCmd schedules a health probe with exponential backoff.
func reconnectCmd(attempt int) tea.Cmd {
	delay := time.Duration(1<<min(attempt, 4)) * time.Second // 1s, 2s, 4s, 8s, 16s cap
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return ReconnectTickMsg{}
	})
}

func healthTickCmd() tea.Cmd {
	return tea.Tick(healthInterval, func(time.Time) tea.Msg {
		return HealthTickMsg{}
	})
}

func restoreCmd(ctx context.Context, store *session.Store, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		if err := store.Restore(ctx); err != nil {
			return RestoredMsg{Err: err}
		}
		return RestoredMsg{Err: ctrl.Refresh(ctx)}
	}
}

func refreshCmd(ctx context.Context, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		return OpDoneMsg{Op: "refresh", Err: ctrl.Refresh(ctx)}
	}
}

// readEventCmd reads the next controller event.
func readEventCmd(events <-chan chat.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return ControllerEventMsg{Event: ev}
	}
}

// readRecordingCmd reads the next capture state change.
func readRecordingCmd(ch <-chan audio.Recording) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return nil
		}
		return RecordingMsg{Recording: r}
	}
}

func suggestionsCmd(ctx context.Context, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		cats, err := ctrl.Suggestions(ctx)
		if err != nil {
			return SuggestionsMsg{} // the empty state works without them
		}
		return SuggestionsMsg{Categories: cats}
	}
}

func sendCmd(ctx context.Context, ctrl *chat.Controller, text string) tea.Cmd {
	return func() tea.Msg {
		_, err := ctrl.Send(ctx, text)
		return OpDoneMsg{Op: "send", Err: err}
	}
}

// finishRecording stops an active capture and returns the finished take.
func finishRecording(c *audio.Capture) (audio.Recording, error) {
	if r := c.Snapshot(); r.State == audio.StateRecording || r.State == audio.StatePaused {
		if err := c.Stop(); err != nil {
			return audio.Recording{}, err
		}
	}
	r := c.Snapshot()
	if r.Blob == nil || r.Blob.Len() == 0 {
		return r, domain.ErrEmptyAudio
	}
	return r, nil
}

func sendVoiceCmd(ctx context.Context, ctrl *chat.Controller, c *audio.Capture, mode domain.ResponseMode) tea.Cmd {
	return func() tea.Msg {
		rec, err := finishRecording(c)
		if err != nil {
			return OpDoneMsg{Op: "send voice", Err: err, Report: true}
		}
		_, err = ctrl.SendVoice(ctx, rec, mode)
		if err == nil {
			c.Reset()
		}
		return OpDoneMsg{Op: "send voice", Err: err}
	}
}

func transcribeCmd(ctx context.Context, ctrl *chat.Controller, c *audio.Capture) tea.Cmd {
	return func() tea.Msg {
		rec, err := finishRecording(c)
		if err != nil {
			return TranscribedMsg{Err: err}
		}
		text, err := ctrl.Transcribe(ctx, rec.Blob)
		return TranscribedMsg{Text: text, Err: err}
	}
}

func startRecordingCmd(ctx context.Context, c *audio.Capture) tea.Cmd {
	return func() tea.Msg {
		return OpDoneMsg{Op: "record", Err: c.Start(ctx), Report: true}
	}
}

func stopRecordingCmd(c *audio.Capture) tea.Cmd {
	return func() tea.Msg {
		return OpDoneMsg{Op: "stop recording", Err: c.Stop(), Report: true}
	}
}

func pauseCmd(c *audio.Capture, resume bool) tea.Cmd {
	return func() tea.Msg {
		if resume {
			return OpDoneMsg{Op: "resume", Err: c.Resume(), Report: true}
		}
		return OpDoneMsg{Op: "pause", Err: c.Pause(), Report: true}
	}
}

// playCmd plays a message's audio, synthesizing WAV speech first when the
// message has nothing the local player can decode.
func playCmd(ctx context.Context, ctrl *chat.Controller, p *audio.Player, msg domain.Message) tea.Cmd {
	return func() tea.Msg {
		url := msg.AudioURL
		if !strings.HasSuffix(strings.ToLower(url), ".wav") {
			speech, err := ctrl.Speak(ctx, msg.ID)
			if err != nil {
				return PlaybackDoneMsg{Err: err}
			}
			url = speech.AudioURL
		}
		data, err := ctrl.Audio(ctx, url)
		if err != nil {
			return PlaybackDoneMsg{Err: err}
		}
		return PlaybackDoneMsg{Err: p.Play(ctx, data)}
	}
}

func newSessionCmd(ctx context.Context, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		_, err := ctrl.NewSession(ctx, "")
		return OpDoneMsg{Op: "new session", Err: err}
	}
}

func switchCmd(ctx context.Context, ctrl *chat.Controller, id string) tea.Cmd {
	return func() tea.Msg {
		return OpDoneMsg{Op: "switch", Err: ctrl.SwitchTo(ctx, id)}
	}
}

func deleteCmd(ctx context.Context, ctrl *chat.Controller, id string) tea.Cmd {
	return func() tea.Msg {
		return OpDoneMsg{Op: "delete", Err: ctrl.DeleteSession(ctx, id)}
	}
}

func renameCmd(ctx context.Context, ctrl *chat.Controller, id, title string) tea.Cmd {
	return func() tea.Msg {
		return OpDoneMsg{Op: "rename", Err: ctrl.RenameSession(ctx, id, title)}
	}
}

func attachCmd(ctx context.Context, ctrl *chat.Controller, path, category string) tea.Cmd {
	return func() tea.Msg {
		doc, err := ctrl.AttachDocument(ctx, path, category)
		return AttachedMsg{Document: doc, Err: err}
	}
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// --- update ---

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.live {
			m.scrollToBottom()
		}
		return m, nil

	case HealthMsg:
		wasDown := m.reconnecting
		m.connected = true
		m.connError = ""
		m.reconnecting = false
		m.reconnectAttempt = 0
		m.statusText = "Conectado (" + msg.Status + ")"
		if wasDown {
			return m, tea.Batch(healthTickCmd(), refreshCmd(m.ctx, m.ctrl))
		}
		return m, healthTickCmd()

	case HealthErrorMsg:
		m.connected = false
		m.connError = msg.Err.Error()
		m.reconnecting = true
		m.statusText = "Servidor no disponible. Reintentando..."
		m.logger.Warn("health check failed", "attempt", m.reconnectAttempt, "error", msg.Err)
		return m, reconnectCmd(m.reconnectAttempt)

	case ReconnectTickMsg:
		m.reconnectAttempt++
		return m, healthCmd(m.ctx, m.ctrl)

	case HealthTickMsg:
		return m, healthCmd(m.ctx, m.ctrl)

	case RestoredMsg:
		m.syncSessions()
		m.syncMessages()
		return m, nil

	case ControllerEventMsg:
		cmd := m.handleEvent(msg.Event)
		return m, tea.Batch(cmd, readEventCmd(m.ctrl.Events()))

	case RecordingMsg:
		m.rec = msg.Recording
		return m, readRecordingCmd(m.recordings)

	case SuggestionsMsg:
		m.suggestions = msg.Categories
		return m, nil

	case TranscribedMsg:
		if msg.Err != nil {
			return m, m.setError(msg.Err)
		}
		m.input = []rune(msg.Text)
		m.focusedPanel = FocusConversation
		if m.capture != nil {
			m.capture.Reset()
		}
		return m, nil

	case AttachedMsg:
		if msg.Err != nil {
			return m, nil
		}
		m.documents = m.ctrl.Documents()
		m.statusText = "Documento adjunto: " + msg.Document.Filename
		return m, nil

	case PlaybackDoneMsg:
		m.playing = false
		if msg.Err != nil && !errors.Is(msg.Err, context.Canceled) {
			return m, m.setError(msg.Err)
		}
		return m, nil

	case OpDoneMsg:
		if msg.Err != nil && msg.Report {
			return m, m.setError(fmt.Errorf("%s: %w", msg.Op, msg.Err))
		}
		return m, nil

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

// handleEvent applies a controller event and returns any resulting command.
func (m *Model) handleEvent(ev chat.Event) tea.Cmd {
	switch ev.Kind {
	case chat.EventMessages:
		m.syncMessages()

	case chat.EventSessions:
		m.syncSessions()

	case chat.EventPartial:
		if ev.SessionID == m.currentID {
			m.partialID = ev.MessageID
			m.partialText = ev.Text
			if m.live {
				m.scrollToBottom()
			}
		}

	case chat.EventProcessing:
		m.processing = ev.Processing

	case chat.EventError:
		return m.setError(ev.Err)
	}
	return nil
}

func (m *Model) setError(err error) tea.Cmd {
	m.errorMessage = err.Error()
	m.errorTransient = true
	return clearTransientErrorCmd()
}

func (m *Model) syncSessions() {
	m.sessions = m.store.Sessions()
	if id := m.store.CurrentID(); id != m.currentID {
		m.currentID = id
		m.partialID, m.partialText = "", ""
		m.syncMessages()
	}
	for i, s := range m.sessions {
		if s.ID == m.currentID {
			m.selected = i
		}
	}
	if m.selected >= len(m.sessions) {
		m.selected = max(0, len(m.sessions)-1)
	}
}

func (m *Model) syncMessages() {
	m.currentID = m.store.CurrentID()
	m.messages = m.store.Messages()
	if m.partialID != "" {
		for _, msg := range m.messages {
			if msg.ID == m.partialID && msg.Content != "" {
				m.partialID, m.partialText = "", ""
				break
			}
		}
	}
	if m.live {
		m.scrollToBottom()
	}
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyCtrlC:
		m.shutdown()
		return m, tea.Quit

	case KeyTab:
		if m.focusedPanel == FocusSessions {
			m.focusedPanel = FocusConversation
		} else {
			m.focusedPanel = FocusSessions
		}
		return m, nil

	case KeyRecord:
		if m.capture == nil {
			return m, m.setError(errNoMicrophone)
		}
		if m.rec.IsRecording || m.rec.IsPaused {
			return m, stopRecordingCmd(m.capture)
		}
		return m, startRecordingCmd(m.ctx, m.capture)

	case KeyPause:
		if m.capture == nil || !(m.rec.IsRecording || m.rec.IsPaused) {
			return m, nil
		}
		return m, pauseCmd(m.capture, m.rec.IsPaused)

	case KeySendVoice:
		if m.capture == nil {
			return m, m.setError(errNoMicrophone)
		}
		m.live = true
		return m, sendVoiceCmd(m.ctx, m.ctrl, m.capture, m.mode)

	case KeyTranscribe:
		if m.capture == nil {
			return m, m.setError(errNoMicrophone)
		}
		return m, transcribeCmd(m.ctx, m.ctrl, m.capture)

	case KeyPlay:
		if m.player == nil {
			return m, nil
		}
		if m.playing {
			m.player.Stop()
			return m, nil
		}
		last, ok := m.lastAnswer()
		if !ok {
			return m, nil
		}
		m.playing = true
		return m, playCmd(m.ctx, m.ctrl, m.player, last)

	case KeyToggleMode:
		if m.mode == domain.ResponseText {
			m.mode = domain.ResponseAudio
		} else {
			m.mode = domain.ResponseText
		}
		return m, nil

	case KeyUp:
		if m.focusedPanel == FocusSessions {
			m.moveSelection(-1)
			return m, nil
		}
		m.live = false
		if m.scroll > 0 {
			m.scroll--
		}
		return m, nil

	case KeyDown:
		if m.focusedPanel == FocusSessions {
			m.moveSelection(1)
			return m, nil
		}
		maxScroll := m.maxScroll()
		m.scroll++
		if m.scroll >= maxScroll {
			m.scroll = maxScroll
			m.live = true
		}
		return m, nil
	}

	if m.focusedPanel == FocusSessions {
		return m.handleSessionKey(msg)
	}
	return m.handleInputKey(msg)
}

func (m Model) handleSessionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit:
		m.shutdown()
		return m, tea.Quit
	case KeyJ:
		m.moveSelection(1)
	case KeyK:
		m.moveSelection(-1)
	case KeyEnter:
		if m.selected < len(m.sessions) {
			m.focusedPanel = FocusConversation
			m.live = true
			return m, switchCmd(m.ctx, m.ctrl, m.sessions[m.selected].ID)
		}
	case KeyNewSession:
		m.focusedPanel = FocusConversation
		return m, newSessionCmd(m.ctx, m.ctrl)
	case KeyDelete:
		if m.selected < len(m.sessions) {
			return m, deleteCmd(m.ctx, m.ctrl, m.sessions[m.selected].ID)
		}
	}
	return m, nil
}

func (m Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		text := strings.TrimSpace(string(m.input))
		if text == "" {
			return m, nil
		}
		m.input = nil
		if strings.HasPrefix(text, "/") {
			return m, m.runCommand(text)
		}
		m.live = true
		return m, sendCmd(m.ctx, m.ctrl, text)
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case tea.KeyEsc:
		m.input = nil
	case tea.KeySpace:
		m.input = append(m.input, ' ')
	case tea.KeyRunes:
		m.input = append(m.input, msg.Runes...)
	}
	return m, nil
}

// runCommand handles slash commands typed into the input line.
func (m *Model) runCommand(line string) tea.Cmd {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case CmdAttach:
		if arg == "" {
			return m.setError(errors.New("uso: /adjuntar <ruta> [categoría]"))
		}
		path, category, _ := strings.Cut(arg, " ")
		return attachCmd(m.ctx, m.ctrl, path, strings.TrimSpace(category))
	case CmdDetach:
		m.ctrl.DetachDocuments()
		m.documents = nil
		m.statusText = "Documentos quitados"
		return nil
	case CmdRename:
		if m.currentID == "" || arg == "" {
			return m.setError(errors.New("uso: /renombrar <título>"))
		}
		return renameCmd(m.ctx, m.ctrl, m.currentID, arg)
	default:
		return m.setError(fmt.Errorf("comando desconocido: %s", name))
	}
}

func (m *Model) moveSelection(delta int) {
	if len(m.sessions) == 0 {
		return
	}
	m.selected = min(max(m.selected+delta, 0), len(m.sessions)-1)
}

func (m Model) lastAnswer() (domain.Message, bool) {
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if msg.Role == domain.RoleAssistant && msg.Content != "" && !session.IsWelcome(msg) {
			return msg, true
		}
	}
	return domain.Message{}, false
}

func (m Model) shutdown() {
	if m.player != nil {
		m.player.Stop()
	}
	if m.capture != nil {
		if err := m.capture.Close(); err != nil {
			m.logger.Warn("close capture failed", "error", err)
		}
	}
}
