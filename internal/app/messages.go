package app

import (
	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/chat"
	"github.com/jwulff/consulta/internal/domain"
)

// HealthMsg is sent when the backend answered a health probe.
type HealthMsg struct {
	Status string
}

// HealthErrorMsg is sent when the health probe failed.
type HealthErrorMsg struct {
	Err error
}

// ReconnectTickMsg triggers a reconnection attempt.
type ReconnectTickMsg struct{}

// HealthTickMsg triggers the periodic health probe while connected.
type HealthTickMsg struct{}

// RestoredMsg is sent once cached and remote sessions have been loaded.
type RestoredMsg struct {
	Err error
}

// ControllerEventMsg wraps an event from the conversation controller.
type ControllerEventMsg struct {
	Event chat.Event
}

// RecordingMsg carries a capture state change.
type RecordingMsg struct {
	Recording audio.Recording
}

// SuggestionsMsg carries example questions for the empty state.
type SuggestionsMsg struct {
	Categories []domain.SuggestionCategory
}

// TranscribedMsg carries text recognized from the last recording.
type TranscribedMsg struct {
	Text string
	Err  error
}

// AttachedMsg is sent after a document upload.
type AttachedMsg struct {
	Document domain.Document
	Err      error
}

// PlaybackDoneMsg is sent when audio playback finished or failed.
type PlaybackDoneMsg struct {
	Err error
}

// OpDoneMsg reports the outcome of a fire-and-forget operation. Errors are
// already surfaced by controller events unless Report is set.
type OpDoneMsg struct {
	Op     string
	Err    error
	Report bool
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}
