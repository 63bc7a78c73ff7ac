// Package backend is the HTTP client for the legal Q&A service. Wire shapes
// live here and are converted to domain types before they leave the package.
package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/jwulff/consulta/internal/domain"
)

// SessionJSON is a chat session on the wire.
type SessionJSON struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	UserID       string `json:"user_id,omitempty"`
}

// CreateSessionRequest is the body of POST /chat/sessions.
type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// SourceJSON is a cited legal source.
type SourceJSON struct {
	Title     string  `json:"title"`
	Content   string  `json:"content,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// MessageJSON is a chat message on the wire. The role travels as "type".
type MessageJSON struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Content       *string      `json:"content"`
	Timestamp     string       `json:"timestamp"`
	AudioURL      *string      `json:"audio_url,omitempty"`
	Transcription *string      `json:"transcription,omitempty"`
	Sources       []SourceJSON `json:"sources,omitempty"`
	Confidence    *float64     `json:"confidence,omitempty"`
	Area          *string      `json:"area,omitempty"`
}

// AddMessageRequest is the body of POST /chat/sessions/{id}/messages.
type AddMessageRequest struct {
	SessionID     string       `json:"session_id"`
	Type          string       `json:"type"`
	Content       string       `json:"content"`
	AudioURL      string       `json:"audio_url,omitempty"`
	Transcription string       `json:"transcription,omitempty"`
	Sources       []SourceJSON `json:"sources,omitempty"`
	Confidence    *float64     `json:"confidence,omitempty"`
	Area          string       `json:"area,omitempty"`
}

// PatchMessageRequest is the body of PATCH /chat/sessions/{id}/messages/{mid}.
type PatchMessageRequest struct {
	Content       *string      `json:"content,omitempty"`
	AudioURL      *string      `json:"audio_url,omitempty"`
	Transcription *string      `json:"transcription,omitempty"`
	Sources       []SourceJSON `json:"sources,omitempty"`
	Confidence    *float64     `json:"confidence,omitempty"`
	Area          *string      `json:"area,omitempty"`
}

// QueryRequestJSON is the body of POST /rag/query.
type QueryRequestJSON struct {
	Query       string   `json:"query"`
	Method      string   `json:"method"`
	Area        string   `json:"area"`
	UserID      string   `json:"userId,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	DocumentIDs []string `json:"documentIds"`
}

// QueryMetadataJSON is the metadata block of a query response.
type QueryMetadataJSON struct {
	ProcessingTime float64 `json:"processingTime"`
	SourceCount    int     `json:"sourceCount"`
	Timestamp      string  `json:"timestamp,omitempty"`
	Transcription  string  `json:"transcription,omitempty"`
}

// QueryResponseJSON is returned by /rag/query and /voice/voice-query.
type QueryResponseJSON struct {
	ID               string            `json:"id"`
	Response         *string           `json:"response"`
	Confidence       float64           `json:"confidence"`
	Area             string            `json:"area"`
	Sources          []SourceJSON      `json:"sources"`
	RelatedQuestions []string          `json:"relatedQuestions"`
	AudioURL         *string           `json:"audioUrl"`
	Metadata         QueryMetadataJSON `json:"metadata"`
}

// SpeechToTextResponse is returned by /voice/speech-to-text.
type SpeechToTextResponse struct {
	Transcription *struct {
		Text       string  `json:"text"`
		Language   string  `json:"language,omitempty"`
		Confidence float64 `json:"confidence,omitempty"`
	} `json:"transcription"`
	ReadyForQuery bool `json:"ready_for_query"`
}

// TextToSpeechResponse is returned by /voice/text-to-speech.
type TextToSpeechResponse struct {
	AudioInfo struct {
		AudioID string `json:"audio_id"`
		Format  string `json:"format"`
	} `json:"audio_info"`
	DownloadURL string `json:"download_url"`
}

// DocumentJSON is an uploaded document record.
type DocumentJSON struct {
	ID              string `json:"id"`
	Filename        string `json:"filename"`
	FileSize        int64  `json:"file_size"`
	ContentType     string `json:"content_type"`
	UploadTimestamp string `json:"upload_timestamp"`
	Status          string `json:"status"`
}

// UploadDocumentResponse is returned by /documents/upload.
type UploadDocumentResponse struct {
	Success  bool          `json:"success"`
	Document *DocumentJSON `json:"document"`
	Message  string        `json:"message"`
}

// SuggestionsResponse is returned by /rag/suggestions.
type SuggestionsResponse struct {
	Suggestions []struct {
		Category string   `json:"category"`
		Queries  []string `json:"queries"`
	} `json:"suggestions"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the FastAPI error envelope.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp. Zone-less values are taken
// as local time, which is what the backend writes.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders t the way the backend does.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func (s SessionJSON) toDomain(op string) (domain.Session, error) {
	if s.ID == "" {
		return domain.Session{}, contractError(op, "id")
	}
	created, err := ParseTimestamp(s.CreatedAt)
	if err != nil {
		return domain.Session{}, contractError(op, "created_at")
	}
	updated := created
	if s.UpdatedAt != "" {
		if updated, err = ParseTimestamp(s.UpdatedAt); err != nil {
			return domain.Session{}, contractError(op, "updated_at")
		}
	}
	return domain.Session{
		ID:           s.ID,
		Title:        s.Title,
		MessageCount: s.MessageCount,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}, nil
}

func (m MessageJSON) toDomain(op, sessionID string) (domain.Message, error) {
	if m.ID == "" {
		return domain.Message{}, contractError(op, "id")
	}
	if m.Content == nil {
		return domain.Message{}, contractError(op, "content")
	}
	role := domain.Role(m.Type)
	if role != domain.RoleUser && role != domain.RoleAssistant {
		return domain.Message{}, contractError(op, "type")
	}
	ts, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return domain.Message{}, contractError(op, "timestamp")
	}
	msg := domain.Message{
		ID:         m.ID,
		SessionID:  sessionID,
		Role:       role,
		Content:    *m.Content,
		Timestamp:  ts,
		Sources:    sourcesToDomain(m.Sources),
		Confidence: m.Confidence,
	}
	if m.AudioURL != nil {
		msg.AudioURL = *m.AudioURL
	}
	if m.Transcription != nil {
		msg.Transcription = *m.Transcription
	}
	if m.Area != nil {
		msg.Area = *m.Area
	}
	return msg, nil
}

func (q QueryResponseJSON) toDomain(op string) (domain.QueryResult, error) {
	if q.Response == nil || strings.TrimSpace(*q.Response) == "" {
		return domain.QueryResult{}, contractError(op, "response")
	}
	res := domain.QueryResult{
		ID:               q.ID,
		Response:         *q.Response,
		Confidence:       q.Confidence,
		Area:             q.Area,
		Sources:          sourcesToDomain(q.Sources),
		RelatedQuestions: q.RelatedQuestions,
		Metadata: domain.QueryMetadata{
			ProcessingTime: time.Duration(q.Metadata.ProcessingTime * float64(time.Millisecond)),
			SourceCount:    q.Metadata.SourceCount,
			Transcription:  q.Metadata.Transcription,
		},
	}
	if q.AudioURL != nil {
		res.AudioURL = *q.AudioURL
	}
	if q.Metadata.Timestamp != "" {
		ts, err := ParseTimestamp(q.Metadata.Timestamp)
		if err != nil {
			return domain.QueryResult{}, contractError(op, "metadata.timestamp")
		}
		res.Metadata.Timestamp = ts
	}
	return res, nil
}

func (d DocumentJSON) toDomain(op string) (domain.Document, error) {
	if d.ID == "" {
		return domain.Document{}, contractError(op, "document.id")
	}
	doc := domain.Document{
		ID:       d.ID,
		Filename: d.Filename,
		Size:     d.FileSize,
		Type:     d.ContentType,
		Status:   d.Status,
	}
	if d.UploadTimestamp != "" {
		ts, err := ParseTimestamp(d.UploadTimestamp)
		if err != nil {
			return domain.Document{}, contractError(op, "document.upload_timestamp")
		}
		doc.UploadedAt = ts
	}
	return doc, nil
}

func sourcesToDomain(in []SourceJSON) []domain.Source {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Source, len(in))
	for i, s := range in {
		out[i] = domain.Source{Title: s.Title, Content: s.Content, Relevance: s.Relevance}
	}
	return out
}

func sourcesToWire(in []domain.Source) []SourceJSON {
	if len(in) == 0 {
		return nil
	}
	out := make([]SourceJSON, len(in))
	for i, s := range in {
		out[i] = SourceJSON{Title: s.Title, Content: s.Content, Relevance: s.Relevance}
	}
	return out
}
