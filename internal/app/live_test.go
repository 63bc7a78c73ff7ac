package app

import (
	"context"
	"fmt"
	"os"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/chat"
	"github.com/jwulff/consulta/internal/session"
)

// TestLiveTUIFlow exercises the model against a running backend.
// Skipped unless CONSULTA_LIVE_API points at one.
func TestLiveTUIFlow(t *testing.T) {
	baseURL := os.Getenv("CONSULTA_LIVE_API")
	if baseURL == "" {
		t.Skip("CONSULTA_LIVE_API not set")
	}

	client := backend.NewClient(baseURL)
	store := session.New(client)
	defer store.Wait()
	ctrl := chat.New(store, client, chat.Options{})
	m := New(Deps{Controller: ctrl, Store: store})

	m, _ = applyUpdate(m, tea.WindowSizeMsg{Width: 120, Height: 40})
	fmt.Println("=== Initial View ===")
	fmt.Println(m.View())

	m, _ = applyUpdate(m, healthCmd(context.Background(), ctrl)())
	if !m.connected {
		t.Fatalf("not connected: %s", m.connError)
	}
	fmt.Printf("Connected: status=%q\n", m.statusText)

	m, _ = applyUpdate(m, restoreCmd(context.Background(), store, ctrl)())
	fmt.Printf("Sessions: %d\n", len(m.sessions))

	m = typeText(m, "¿Qué es una tutela?")
	m, cmd := applyUpdate(m, tea.KeyMsg{Type: tea.KeyEnter})
	if done := cmd().(OpDoneMsg); done.Err != nil {
		t.Fatalf("send: %v", done.Err)
	}
	m = drainEvents(m)

	fmt.Println("=== After Question ===")
	fmt.Println(m.View())
	if len(m.messages) < 3 {
		t.Errorf("messages = %d, want at least 3", len(m.messages))
	}
}
