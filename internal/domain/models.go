// Package domain defines the conversation types shared by the store, the
// backend client and the UI.
package domain

import (
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ResponseMode selects how the assistant answers a voice query.
type ResponseMode string

const (
	ResponseText  ResponseMode = "text"
	ResponseAudio ResponseMode = "audio"
)

// Valid reports whether m is a known response mode.
func (m ResponseMode) Valid() bool {
	return m == ResponseText || m == ResponseAudio
}

// QueryMethod is how a question reached the assistant.
type QueryMethod string

const (
	MethodText     QueryMethod = "text"
	MethodVoice    QueryMethod = "voice"
	MethodDocument QueryMethod = "document"
)

// MinQueryLength mirrors the backend's minimum question length.
const MinQueryLength = 4

// Session is a named conversation thread.
type Session struct {
	ID           string
	Title        string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Source is a legal reference cited by an answer.
type Source struct {
	Title     string
	Content   string
	Relevance float64
}

// Message is a single entry in a session.
type Message struct {
	ID            string
	SessionID     string
	Role          Role
	Content       string
	Timestamp     time.Time
	AudioURL      string
	Transcription string
	Sources       []Source
	Confidence    *float64
	Area          string
}

// MessageInput is a message before the backend assigns its id and timestamp.
type MessageInput struct {
	Role          Role
	Content       string
	AudioURL      string
	Transcription string
	Sources       []Source
	Confidence    *float64
	Area          string
}

// MessagePatch is an in-place update of an existing message. Nil fields are
// left unchanged.
type MessagePatch struct {
	Content       *string
	AudioURL      *string
	Transcription *string
	Sources       []Source
	Confidence    *float64
	Area          *string
}

// Apply writes the set fields of p onto m.
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.AudioURL != nil {
		m.AudioURL = *p.AudioURL
	}
	if p.Transcription != nil {
		m.Transcription = *p.Transcription
	}
	if p.Sources != nil {
		m.Sources = append([]Source(nil), p.Sources...)
	}
	if p.Confidence != nil {
		c := *p.Confidence
		m.Confidence = &c
	}
	if p.Area != nil {
		m.Area = *p.Area
	}
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.AudioURL == nil && p.Transcription == nil &&
		p.Sources == nil && p.Confidence == nil && p.Area == nil
}

// QueryRequest is a question submitted to the legal engine.
type QueryRequest struct {
	Query       string
	Method      QueryMethod
	Area        string
	UserID      string
	SessionID   string
	DocumentIDs []string
}

// Validate applies the client-side checks the backend would reject anyway.
func (q QueryRequest) Validate() error {
	if len([]rune(strings.TrimSpace(q.Query))) < MinQueryLength {
		return ErrQueryTooShort
	}
	return nil
}

// QueryMetadata carries processing details returned with an answer.
type QueryMetadata struct {
	ProcessingTime time.Duration
	SourceCount    int
	Timestamp      time.Time
	Transcription  string
}

// QueryResult is the engine's answer to a question.
type QueryResult struct {
	ID               string
	Response         string
	Confidence       float64
	Area             string
	Sources          []Source
	RelatedQuestions []string
	AudioURL         string
	Metadata         QueryMetadata
}

// AudioClip is an encoded recording handed to the voice endpoints.
type AudioClip struct {
	Data      []byte
	MIME      string
	Extension string
}

// Filename returns the upload file name for the clip.
func (c AudioClip) Filename() string {
	ext := c.Extension
	if ext == "" {
		ext = ".wav"
	}
	return "recording" + ext
}

// VoiceQuery is a spoken question.
type VoiceQuery struct {
	Audio       AudioClip
	Mode        ResponseMode
	Language    string
	VoiceStyle  string
	DocumentIDs []string
}

// Transcription is the speech-to-text result.
type Transcription struct {
	Text       string
	Language   string
	Confidence float64
}

// Speech is a synthesized audio answer.
type Speech struct {
	AudioURL string
	Format   string
}

// Document is an uploaded file that can be referenced by queries.
type Document struct {
	ID         string
	Filename   string
	Size       int64
	Type       string
	UploadedAt time.Time
	Status     string
}

// SuggestionCategory groups example questions.
type SuggestionCategory struct {
	Category string
	Queries  []string
}

// MaxDocumentSize is the largest upload the backend accepts.
const MaxDocumentSize = 10 * 1024 * 1024

// DefaultSessionTitle is the title the backend gives untitled sessions. The
// first user message replaces it.
const DefaultSessionTitle = "Nueva consulta legal"

// TitleFromContent derives a session title from a first message the way the
// backend does.
func TitleFromContent(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return string(r)
}
