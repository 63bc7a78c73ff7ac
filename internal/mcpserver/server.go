// Package mcpserver exposes the legal assistant as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jwulff/consulta/internal/domain"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Conversation runs questions and manages the current session.
type Conversation interface {
	Send(ctx context.Context, text string) (domain.Message, error)
	NewSession(ctx context.Context, title string) (domain.Session, error)
	SwitchTo(ctx context.Context, id string) error
}

// Reader reads stored sessions and messages without side effects.
type Reader interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Handler implements the tools.
type Handler struct {
	conv   Conversation
	reader Reader
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(conv Conversation, reader Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{conv: conv, reader: reader, logger: logger}
}

// New builds an MCP server with the tools registered.
func New(h *Handler) *server.MCPServer {
	s := server.NewMCPServer("consulta", Version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List recent legal consultation sessions, most recent first"),
	), h.ListSessions)

	s.AddTool(mcp.NewTool("get_messages",
		mcp.WithDescription("Get the messages of a consultation session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), h.GetMessages)

	s.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Ask the legal assistant a question and return its answer"),
		mcp.WithString("question", mcp.Required(), mcp.Description("The legal question, at least 4 characters")),
		mcp.WithString("session_id", mcp.Description("Session to continue; defaults to the current or a new one")),
	), h.Ask)

	s.AddTool(mcp.NewTool("new_session",
		mcp.WithDescription("Start a new consultation session"),
		mcp.WithString("title", mcp.Description("Optional title")),
	), h.NewSession)

	return s
}

// ServeStdio serves s on stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

type sessionJSON struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type sourceJSON struct {
	Title     string  `json:"title"`
	Relevance float64 `json:"relevance"`
}

type messageJSON struct {
	ID        string       `json:"id"`
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Sources   []sourceJSON `json:"sources,omitempty"`
}

func toMessageJSON(m domain.Message) messageJSON {
	out := messageJSON{ID: m.ID, Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp}
	for _, s := range m.Sources {
		out.Sources = append(out.Sources, sourceJSON{Title: s.Title, Relevance: s.Relevance})
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ListSessions handles list_sessions.
func (h *Handler) ListSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := h.reader.ListSessions(ctx)
	if err != nil {
		h.logger.Warn("mcp list_sessions failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]sessionJSON, len(sessions))
	for i, s := range sessions {
		out[i] = sessionJSON{ID: s.ID, Title: s.Title, MessageCount: s.MessageCount, UpdatedAt: s.UpdatedAt}
	}
	return jsonResult(out)
}

// GetMessages handles get_messages.
func (h *Handler) GetMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msgs, err := h.reader.ListMessages(ctx, id)
	if err != nil {
		h.logger.Warn("mcp get_messages failed", "session_id", id, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageJSON(m)
	}
	return jsonResult(out)
}

// Ask handles ask.
func (h *Handler) Ask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if id := req.GetString("session_id", ""); id != "" {
		if err := h.conv.SwitchTo(ctx, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	answer, err := h.conv.Send(ctx, question)
	if err != nil {
		h.logger.Warn("mcp ask failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(struct {
		SessionID string `json:"session_id"`
		messageJSON
	}{answer.SessionID, toMessageJSON(answer)})
}

// NewSession handles new_session.
func (h *Handler) NewSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := h.conv.NewSession(ctx, req.GetString("title", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sessionJSON{ID: sess.ID, Title: sess.Title, MessageCount: sess.MessageCount, UpdatedAt: sess.UpdatedAt})
}
