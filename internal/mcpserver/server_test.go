package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/backend/backendtest"
	"github.com/jwulff/consulta/internal/chat"
	"github.com/jwulff/consulta/internal/session"
	"github.com/jwulff/consulta/internal/stream"
)

func newHandler(t *testing.T) (*Handler, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	store := session.New(client)
	t.Cleanup(store.Wait)
	ctrl := chat.New(store, client, chat.Options{Streamer: stream.New(time.Microsecond), EventBuffer: 4096})
	return NewHandler(ctrl, client, nil), srv
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func TestAskCreatesSessionAndAnswers(t *testing.T) {
	h, srv := newHandler(t)
	ctx := context.Background()

	res, err := h.Ask(ctx, call(map[string]any{"question": "¿Cómo constituyo una SAS?"}))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.IsError {
		t.Fatalf("Ask returned tool error: %s", resultText(t, res))
	}

	var out struct {
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
		Sources   []struct {
			Title string `json:"title"`
		} `json:"sources"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Content != "Respuesta legal sobre: ¿Cómo constituyo una SAS?" {
		t.Errorf("content = %q", out.Content)
	}
	if out.SessionID == "" {
		t.Error("session_id is empty")
	}
	if len(out.Sources) != 1 {
		t.Errorf("sources = %d, want 1", len(out.Sources))
	}
	if got := srv.Count(backendtest.RouteCreateSession); got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
}

func TestAskValidation(t *testing.T) {
	h, srv := newHandler(t)
	ctx := context.Background()

	res, err := h.Ask(ctx, call(map[string]any{}))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !res.IsError {
		t.Error("missing question should be a tool error")
	}

	res, _ = h.Ask(ctx, call(map[string]any{"question": "ab"}))
	if !res.IsError {
		t.Error("short question should be a tool error")
	}
	if got := srv.Count(backendtest.RouteQuery); got != 0 {
		t.Errorf("queries = %d, want 0", got)
	}
}

func TestNewSessionListAndMessages(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	res, err := h.NewSession(ctx, call(map[string]any{"title": "Laboral"}))
	if err != nil || res.IsError {
		t.Fatalf("NewSession: %v", err)
	}
	var sess sessionJSON
	if err := json.Unmarshal([]byte(resultText(t, res)), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if res, _ := h.Ask(ctx, call(map[string]any{"question": "¿Cuánto es la liquidación?", "session_id": sess.ID})); res.IsError {
		t.Fatalf("Ask: %s", resultText(t, res))
	}

	res, _ = h.ListSessions(ctx, call(nil))
	if !strings.Contains(resultText(t, res), sess.ID) {
		t.Errorf("list_sessions does not include %s", sess.ID)
	}

	res, _ = h.GetMessages(ctx, call(map[string]any{"session_id": sess.ID}))
	var msgs []messageJSON
	if err := json.Unmarshal([]byte(resultText(t, res)), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestGetMessagesUnknownSession(t *testing.T) {
	h, _ := newHandler(t)
	res, err := h.GetMessages(context.Background(), call(map[string]any{"session_id": "missing"}))
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if !res.IsError {
		t.Error("unknown session should be a tool error")
	}
}

func TestNewRegistersTools(t *testing.T) {
	h, _ := newHandler(t)
	if s := New(h); s == nil {
		t.Fatal("New returned nil")
	}
}
