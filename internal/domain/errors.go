package domain

import "errors"

var (
	ErrNoSession          = errors.New("no active session")
	ErrSessionNotFound    = errors.New("session not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrQueryTooShort      = errors.New("question must have at least 4 characters")
	ErrEmptyTranscription = errors.New("audio could not be transcribed")
	ErrEmptyAudio         = errors.New("audio recording is empty")
	ErrDocumentTooLarge   = errors.New("document exceeds 10MB")
)
