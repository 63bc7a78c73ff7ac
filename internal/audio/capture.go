package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// State is the capture state.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Recording is a snapshot of the capture session.
type Recording struct {
	State       State
	IsRecording bool
	IsPaused    bool
	Seconds     int
	Duration    time.Duration
	Blob        *Blob
	URL         string
	Err         error
}

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// CaptureOptions configures a Capture.
type CaptureOptions struct {
	TickInterval time.Duration
	Preferences  []string
	SampleRate   int
	Channels     int
	TempDir      string
	// OnChange receives a snapshot after every transition and tick. It is
	// called without locks held and never after Stop, Reset or Close return.
	OnChange  func(Recording)
	NewTicker func(time.Duration) Ticker
	Logger    *slog.Logger
}

// Capture is the microphone state machine:
// Idle → Recording ⇄ Paused → Stopped → Idle.
type Capture struct {
	dev  Device
	opts CaptureOptions

	op sync.Mutex // serializes transitions

	mu        sync.Mutex
	state     State
	handle    Handle
	take      *take
	mime      string
	seconds   int
	active    time.Duration
	resumedAt time.Time
	blob      *Blob
	urlPath   string
	err       error
	tickStop  chan struct{}
	tickDone  chan struct{}
}

type take struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (t *take) add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	t.mu.Lock()
	t.chunks = append(t.chunks, append([]byte(nil), chunk...))
	t.mu.Unlock()
}

func (t *take) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, c := range t.chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range t.chunks {
		out = append(out, c...)
	}
	return out
}

// NewCapture creates an idle capture session on dev.
func NewCapture(dev Device, opts CaptureOptions) *Capture {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if len(opts.Preferences) == 0 {
		opts.Preferences = DefaultPreferences
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Capture{dev: dev, opts: opts}
}

// Snapshot returns the current recording state.
func (c *Capture) Snapshot() Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Capture) snapshotLocked() Recording {
	d := c.active
	if c.state == StateRecording {
		d += time.Since(c.resumedAt)
	}
	return Recording{
		State:       c.state,
		IsRecording: c.state == StateRecording,
		IsPaused:    c.state == StatePaused,
		Seconds:     c.seconds,
		Duration:    d,
		Blob:        c.blob,
		URL:         c.url(),
		Err:         c.err,
	}
}

func (c *Capture) url() string {
	if c.urlPath == "" {
		return ""
	}
	return "file://" + c.urlPath
}

// Start acquires the microphone and begins recording. It is a no-op while
// recording or paused. From Stopped it discards the previous blob.
func (c *Capture) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state == StateRecording || c.state == StatePaused || c.state == StateAcquiring {
		c.mu.Unlock()
		return nil
	}
	c.releaseURLLocked()
	c.blob = nil
	c.err = nil
	c.seconds = 0
	c.active = 0

	mime, err := Negotiate(c.dev, c.opts.Preferences)
	if err != nil {
		c.state = StateIdle
		c.err = err
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return err
	}
	c.mime = mime
	c.state = StateAcquiring
	c.mu.Unlock()

	handle, err := c.dev.Acquire(ctx, Constraints{
		MIME:             mime,
		SampleRate:       c.opts.SampleRate,
		Channels:         c.opts.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
	})
	if err == nil {
		t := &take{}
		if startErr := handle.Start(t.add); startErr != nil {
			_ = handle.Release()
			err = startErr
		} else {
			c.mu.Lock()
			c.handle = handle
			c.take = t
			c.state = StateRecording
			c.resumedAt = time.Now()
			c.startTickerLocked()
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.opts.Logger.Info("recording started", "mime", mime)
			c.notify(snap)
			return nil
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.err = fmt.Errorf("acquire microphone: %w", err)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.opts.Logger.Warn("recording failed to start", "error", err)
	c.notify(snap)
	return snap.Err
}

// Pause suspends recording and the tick counter. Only valid while recording.
func (c *Capture) Pause() error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return nil
	}
	c.active += time.Since(c.resumedAt)
	c.state = StatePaused
	stop, done := c.detachTickerLocked()
	handle := c.handle
	c.mu.Unlock()

	waitTicker(stop, done)
	err := handle.Pause()
	if err != nil {
		c.opts.Logger.Warn("pause device failed", "error", err)
	}
	c.notify(c.Snapshot())
	return err
}

// Resume continues a paused recording.
func (c *Capture) Resume() error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return nil
	}
	handle := c.handle
	c.mu.Unlock()

	if err := handle.Resume(); err != nil {
		c.opts.Logger.Warn("resume device failed", "error", err)
		return fmt.Errorf("resume recording: %w", err)
	}

	c.mu.Lock()
	c.state = StateRecording
	c.resumedAt = time.Now()
	c.startTickerLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// Stop releases the microphone and assembles the recording into a Blob with
// a playable file URL. It is a no-op unless recording or paused.
func (c *Capture) Stop() error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != StateRecording && c.state != StatePaused {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateRecording {
		c.active += time.Since(c.resumedAt)
	}
	stop, done := c.detachTickerLocked()
	handle, t, mime := c.handle, c.take, c.mime
	c.handle, c.take = nil, nil
	c.mu.Unlock()

	waitTicker(stop, done)
	if err := handle.Release(); err != nil {
		c.opts.Logger.Warn("release device failed", "error", err)
	}

	data := t.bytes()
	var err error
	if BaseMIME(mime) == "audio/wav" && !IsWAV(data) {
		data, err = EncodeWAV(data, PCMFormat{SampleRate: c.opts.SampleRate, Channels: c.opts.Channels})
		if err != nil {
			err = fmt.Errorf("encode recording: %w", err)
		}
	}
	blob := NewBlob(data, mime)

	path, werr := c.writeTemp(blob)
	if err == nil && werr != nil {
		err = werr
	}

	c.mu.Lock()
	c.state = StateStopped
	c.blob = blob
	c.urlPath = path
	c.err = err
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.opts.Logger.Info("recording stopped", "bytes", blob.Len(), "duration", snap.Duration)
	c.notify(snap)
	return err
}

// Reset discards any recording, releases the URL handle and returns to Idle.
func (c *Capture) Reset() {
	c.op.Lock()
	defer c.op.Unlock()
	c.resetLocked()
}

// Close tears the session down, releasing the device and the URL handle.
func (c *Capture) Close() error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.resetLocked()
}

func (c *Capture) resetLocked() error {
	c.mu.Lock()
	stop, done := c.detachTickerLocked()
	handle := c.handle
	c.handle, c.take = nil, nil
	c.releaseURLLocked()
	c.state = StateIdle
	c.blob = nil
	c.err = nil
	c.seconds = 0
	c.active = 0
	c.mime = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	waitTicker(stop, done)
	var err error
	if handle != nil {
		err = handle.Release()
	}
	c.notify(snap)
	return err
}

// startTickerLocked requires c.mu.
func (c *Capture) startTickerLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	c.tickStop, c.tickDone = stop, done
	ticker := c.opts.NewTicker(c.opts.TickInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				c.mu.Lock()
				if c.tickStop != stop {
					c.mu.Unlock()
					return
				}
				c.seconds++
				snap := c.snapshotLocked()
				c.mu.Unlock()
				c.notify(snap)
			}
		}
	}()
}

// detachTickerLocked requires c.mu. The caller must waitTicker after unlocking.
func (c *Capture) detachTickerLocked() (chan struct{}, chan struct{}) {
	stop, done := c.tickStop, c.tickDone
	c.tickStop, c.tickDone = nil, nil
	return stop, done
}

func waitTicker(stop, done chan struct{}) {
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// releaseURLLocked requires c.mu.
func (c *Capture) releaseURLLocked() {
	if c.urlPath == "" {
		return
	}
	if err := os.Remove(c.urlPath); err != nil && !os.IsNotExist(err) {
		c.opts.Logger.Warn("remove recording file failed", "path", c.urlPath, "error", err)
	}
	c.urlPath = ""
}

func (c *Capture) writeTemp(b *Blob) (string, error) {
	f, err := os.CreateTemp(c.opts.TempDir, "consulta-recording-*"+b.Ext())
	if err != nil {
		return "", fmt.Errorf("create recording file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(b.data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write recording file: %w", err)
	}
	return f.Name(), nil
}

func (c *Capture) notify(r Recording) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(r)
	}
}

// PathFromURL returns the local path of a file:// URL.
func PathFromURL(u string) (string, bool) {
	if !strings.HasPrefix(u, "file://") {
		return "", false
	}
	return strings.TrimPrefix(u, "file://"), true
}
