package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/backend/backendtest"
	"github.com/jwulff/consulta/internal/chat"
	"github.com/jwulff/consulta/internal/domain"
	"github.com/jwulff/consulta/internal/session"
	"github.com/jwulff/consulta/internal/stream"
)

func newTestModel(t *testing.T) (Model, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	store := session.New(client)
	t.Cleanup(store.Wait)
	ctrl := chat.New(store, client, chat.Options{Streamer: stream.New(time.Microsecond), EventBuffer: 4096})
	m := New(Deps{Controller: ctrl, Store: store})
	m.width = 100
	m.height = 30
	return m, srv
}

func applyUpdate(m Model, msg tea.Msg) (Model, tea.Cmd) {
	updated, cmd := m.Update(msg)
	return updated.(Model), cmd
}

func typeText(m Model, s string) Model {
	for _, r := range s {
		if r == ' ' {
			m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
			continue
		}
		m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

// drainEvents applies every pending controller event.
func drainEvents(m Model) Model {
	for {
		select {
		case ev := <-m.ctrl.Events():
			m.handleEvent(ev)
		default:
			return m
		}
	}
}

func TestNewModel(t *testing.T) {
	m, _ := newTestModel(t)
	if m.connected {
		t.Error("new model should not be connected")
	}
	if !m.live {
		t.Error("new model should be in live mode")
	}
	if m.focusedPanel != FocusConversation {
		t.Error("new model should focus the conversation")
	}
	if m.mode != domain.ResponseText {
		t.Errorf("mode = %q, want text", m.mode)
	}
}

func TestHealthErrorReconnects(t *testing.T) {
	m, _ := newTestModel(t)

	m, cmd := applyUpdate(m, HealthErrorMsg{Err: errors.New("connection refused")})
	if m.connected {
		t.Error("should not be connected after error")
	}
	if !m.reconnecting {
		t.Error("should be reconnecting after health error")
	}
	if cmd == nil {
		t.Error("health error should schedule a reconnect")
	}

	m, _ = applyUpdate(m, ReconnectTickMsg{})
	if m.reconnectAttempt != 1 {
		t.Errorf("reconnectAttempt = %d, want 1", m.reconnectAttempt)
	}

	m, cmd = applyUpdate(m, HealthMsg{Status: "healthy"})
	if !m.connected || m.reconnecting {
		t.Errorf("connected=%v reconnecting=%v after recovery", m.connected, m.reconnecting)
	}
	if m.reconnectAttempt != 0 {
		t.Errorf("reconnectAttempt = %d, want 0", m.reconnectAttempt)
	}
	if cmd == nil {
		t.Error("recovery should schedule a refresh")
	}
}

func TestHealthCmdAgainstBackend(t *testing.T) {
	m, _ := newTestModel(t)
	msg := healthCmd(context.Background(), m.ctrl)()
	h, ok := msg.(HealthMsg)
	if !ok {
		t.Fatalf("healthCmd returned %T, want HealthMsg", msg)
	}
	if h.Status != "healthy" {
		t.Errorf("status = %q, want healthy", h.Status)
	}
}

func TestTypingAndEnterSends(t *testing.T) {
	m, srv := newTestModel(t)

	m = typeText(m, "¿Cómo constituyo una SAS?")
	if got := string(m.input); got != "¿Cómo constituyo una SAS?" {
		t.Fatalf("input = %q", got)
	}

	m, cmd := applyUpdate(m, tea.KeyMsg{Type: tea.KeyEnter})
	if len(m.input) != 0 {
		t.Errorf("input not cleared: %q", string(m.input))
	}
	if cmd == nil {
		t.Fatal("enter should return a send command")
	}
	done, ok := cmd().(OpDoneMsg)
	if !ok || done.Err != nil {
		t.Fatalf("send result = %#v", done)
	}

	m = drainEvents(m)
	if m.currentID == "" {
		t.Fatal("send should create a session")
	}
	if len(m.messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(m.messages))
	}
	if m.partialID != "" {
		t.Errorf("partial not cleared after final update: %q", m.partialText)
	}
	if got := srv.Count(backendtest.RouteQuery); got != 1 {
		t.Errorf("queries = %d, want 1", got)
	}
	if view := m.View(); !strings.Contains(view, "Respuesta legal sobre") {
		t.Errorf("view does not show the answer:\n%s", view)
	}
}

func TestBackspaceAndEsc(t *testing.T) {
	m, _ := newTestModel(t)
	m = typeText(m, "hola")
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyBackspace})
	if got := string(m.input); got != "hol" {
		t.Errorf("after backspace input = %q, want hol", got)
	}
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyEsc})
	if len(m.input) != 0 {
		t.Errorf("esc should clear input, got %q", string(m.input))
	}
}

func TestPartialEventOverlaysPlaceholder(t *testing.T) {
	m, _ := newTestModel(t)
	m.currentID = "s1"
	m.messages = []domain.Message{
		{ID: "u1", SessionID: "s1", Role: domain.RoleUser, Content: "¿Qué es una tutela?"},
		{ID: "a1", SessionID: "s1", Role: domain.RoleAssistant},
	}

	m.handleEvent(chat.Event{Kind: chat.EventPartial, SessionID: "s1", MessageID: "a1", Text: "La tutela es"})
	if m.partialText != "La tutela es" || m.partialID != "a1" {
		t.Errorf("partial = %q on %q", m.partialText, m.partialID)
	}
	if view := m.View(); !strings.Contains(view, "La tutela es▌") {
		t.Errorf("view does not show the streaming partial:\n%s", view)
	}

	m.handleEvent(chat.Event{Kind: chat.EventPartial, SessionID: "other", MessageID: "x", Text: "nope"})
	if m.partialID != "a1" {
		t.Error("partial from another session should be ignored")
	}
}

func TestProcessingAndErrorEvents(t *testing.T) {
	m, _ := newTestModel(t)

	m.handleEvent(chat.Event{Kind: chat.EventProcessing, Processing: true})
	if !m.processing {
		t.Error("should be processing")
	}

	cmd := m.handleEvent(chat.Event{Kind: chat.EventError, Err: errors.New("send: fallo")})
	if m.errorMessage != "send: fallo" {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
	if cmd == nil {
		t.Error("error should return a clear command")
	}

	m, _ = applyUpdate(m, ClearTransientErrorMsg{})
	if m.errorMessage != "" {
		t.Errorf("errorMessage not cleared: %q", m.errorMessage)
	}
}

func TestTabTogglesFocus(t *testing.T) {
	m, _ := newTestModel(t)

	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPanel != FocusSessions {
		t.Error("tab should switch to sessions")
	}
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPanel != FocusConversation {
		t.Error("tab again should switch back to the conversation")
	}
}

func TestSessionNavigation(t *testing.T) {
	m, _ := newTestModel(t)
	m.focusedPanel = FocusSessions
	m.sessions = []domain.Session{
		{ID: "1", Title: "Laboral"},
		{ID: "2", Title: "Comercial"},
		{ID: "3", Title: "Familia"},
	}

	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	if m.selected != 1 {
		t.Errorf("after j, selected = %d, want 1", m.selected)
	}
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	if m.selected != 0 {
		t.Errorf("after k k, selected = %d, want 0", m.selected)
	}

	m, cmd := applyUpdate(m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Error("enter should switch sessions")
	}
	if m.focusedPanel != FocusConversation {
		t.Error("enter should focus the conversation")
	}
}

func TestNewAndDeleteSessionKeys(t *testing.T) {
	m, srv := newTestModel(t)
	m.focusedPanel = FocusSessions

	_, cmd := applyUpdate(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'n'}})
	if cmd == nil {
		t.Fatal("n should create a session")
	}
	cmd()
	m = drainEvents(m)
	if len(m.sessions) != 1 || m.currentID == "" {
		t.Fatalf("sessions = %d current = %q", len(m.sessions), m.currentID)
	}

	m.focusedPanel = FocusSessions
	_, cmd = applyUpdate(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	if cmd == nil {
		t.Fatal("d should delete the selected session")
	}
	cmd()
	m = drainEvents(m)
	if len(m.sessions) != 0 {
		t.Errorf("sessions after delete = %d, want 0", len(m.sessions))
	}
	if got := srv.Count(backendtest.RouteDeleteSession); got != 1 {
		t.Errorf("deletes = %d, want 1", got)
	}
}

func TestToggleResponseMode(t *testing.T) {
	m, _ := newTestModel(t)
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyCtrlA})
	if m.mode != domain.ResponseAudio {
		t.Errorf("mode = %q, want audio", m.mode)
	}
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyCtrlA})
	if m.mode != domain.ResponseText {
		t.Errorf("mode = %q, want text", m.mode)
	}
}

func TestRecordWithoutMicrophone(t *testing.T) {
	m, _ := newTestModel(t)
	m, cmd := applyUpdate(m, tea.KeyMsg{Type: tea.KeyCtrlR})
	if m.errorMessage != errNoMicrophone.Error() {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
	if cmd == nil {
		t.Error("error should schedule a clear")
	}
}

func TestSlashCommands(t *testing.T) {
	m, _ := newTestModel(t)

	m = typeText(m, "/adjuntar")
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyEnter})
	if !strings.Contains(m.errorMessage, "uso: /adjuntar") {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}

	m = typeText(m, "/desconocido")
	m, _ = applyUpdate(m, tea.KeyMsg{Type: tea.KeyEnter})
	if !strings.Contains(m.errorMessage, "comando desconocido") {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestSuggestionsShownInEmptyState(t *testing.T) {
	m, _ := newTestModel(t)
	m, _ = applyUpdate(m, SuggestionsMsg{Categories: []domain.SuggestionCategory{
		{Category: "Derecho Laboral", Queries: []string{"¿Cuánto es la liquidación?"}},
	}})
	view := m.View()
	if !strings.Contains(view, "Derecho Laboral") {
		t.Errorf("view does not list suggestions:\n%s", view)
	}
}

func TestViewRendersWithSize(t *testing.T) {
	m, _ := newTestModel(t)
	view := m.View()
	if view == "" || view == "Iniciando..." {
		t.Errorf("view = %q", view)
	}
	if !strings.Contains(view, "CONSULTA LEGAL") {
		t.Error("view missing header")
	}
}

func TestViewWithoutSize(t *testing.T) {
	m, _ := newTestModel(t)
	m.width = 0
	if view := m.View(); view != "Iniciando..." {
		t.Errorf("view without size = %q, want 'Iniciando...'", view)
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("uno dos tres cuatro", 8)
	want := []string{"uno dos", "tres", "cuatro"}
	if len(got) != len(want) {
		t.Fatalf("wrapText = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
	if got := wrapText("", 10); len(got) != 1 || got[0] != "" {
		t.Errorf("wrapText(\"\") = %q", got)
	}
}
