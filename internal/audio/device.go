// Package audio records microphone input into immutable blobs and plays WAV
// audio back.
package audio

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrPermissionDenied means the OS refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	// ErrUnsupportedFormat means no preferred container is supported.
	ErrUnsupportedFormat = errors.New("no supported audio format")
)

// Constraints are the capture parameters requested from a device.
type Constraints struct {
	MIME             string
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// Device opens exclusive capture handles.
type Device interface {
	Supports(mime string) bool
	Acquire(ctx context.Context, c Constraints) (Handle, error)
}

// Handle is an acquired capture stream. Start delivers encoded chunks to
// onChunk periodically until Release, which flushes whatever is buffered.
type Handle interface {
	Start(onChunk func([]byte)) error
	Pause() error
	Resume() error
	Release() error
}

// DefaultPreferences is the container preference order.
var DefaultPreferences = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	"audio/wav",
}

// Negotiate returns the first preference the device supports.
func Negotiate(d Device, prefs []string) (string, error) {
	for _, mime := range prefs {
		if d.Supports(mime) {
			return mime, nil
		}
	}
	return "", ErrUnsupportedFormat
}

// BaseMIME strips parameters such as ";codecs=opus".
func BaseMIME(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(strings.ToLower(mime))
}

// Extension returns the file extension for a MIME type.
func Extension(mime string) string {
	switch BaseMIME(mime) {
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".wav"
	}
}
