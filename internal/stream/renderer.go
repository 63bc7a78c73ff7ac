// Package stream reveals an answer progressively with punctuation-aware
// pacing. One stream is in flight at a time; starting another supersedes it.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSuperseded is returned by Run when a newer stream replaced it.
var ErrSuperseded = errors.New("stream superseded")

// DefaultBaseDelay is the per-character delay for ordinary characters.
const DefaultBaseDelay = 15 * time.Millisecond

// Delay returns the pause after r for the given base delay.
func Delay(r rune, base time.Duration) time.Duration {
	switch r {
	case '.', '!', '?':
		return base * 8
	case '\n':
		return base * 6
	case ',', ';', ':':
		return base * 4
	case ' ':
		return base + base/2
	default:
		return base
	}
}

// Frame is one step of a stream.
type Frame struct {
	Gen    uint64
	Prefix string
	Delay  time.Duration
	Done   bool
}

// Renderer paces text. The zero value is not usable; use New.
type Renderer struct {
	base time.Duration

	mu    sync.Mutex
	gen   uint64
	runes []rune
	pos   int
	live  bool
}

// New creates a renderer. A non-positive base uses DefaultBaseDelay.
func New(base time.Duration) *Renderer {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return &Renderer{base: base}
}

// Start begins a new stream, superseding any in flight, and returns its
// first frame.
func (r *Renderer) Start(text string) Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.runes = []rune(text)
	r.pos = 0
	r.live = true
	return r.advanceLocked()
}

// Next returns the frame after the one from generation gen. It reports false
// once the stream completed or was superseded.
func (r *Renderer) Next(gen uint64) (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || !r.live {
		return Frame{}, false
	}
	return r.advanceLocked(), true
}

// advanceLocked requires r.mu.
func (r *Renderer) advanceLocked() Frame {
	if r.pos < len(r.runes) {
		r.pos++
	}
	f := Frame{Gen: r.gen, Prefix: string(r.runes[:r.pos])}
	if r.pos >= len(r.runes) {
		f.Done = true
		r.live = false
		return f
	}
	f.Delay = Delay(r.runes[r.pos-1], r.base)
	return f
}

// Cancel supersedes the stream in flight, if any.
func (r *Renderer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.live = false
}

// Streaming reports whether a stream is in flight.
func (r *Renderer) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Run streams text to emit on a timer. emit is called with growing prefixes,
// the last being text itself, and must not call back into the renderer.
// Run returns nil on completion, ErrSuperseded if another stream started, or
// the context error.
func (r *Renderer) Run(ctx context.Context, text string, emit func(prefix string)) error {
	f := r.Start(text)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if !r.emitIfCurrent(f, emit) {
			return ErrSuperseded
		}
		if f.Done {
			return nil
		}

		timer.Reset(f.Delay)
		select {
		case <-ctx.Done():
			r.cancelIfCurrent(f.Gen)
			return ctx.Err()
		case <-timer.C:
		}

		var ok bool
		if f, ok = r.Next(f.Gen); !ok {
			return ErrSuperseded
		}
	}
}

func (r *Renderer) emitIfCurrent(f Frame, emit func(string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Gen != r.gen {
		return false
	}
	emit(f.Prefix)
	return true
}

func (r *Renderer) cancelIfCurrent(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.gen++
		r.live = false
	}
}
