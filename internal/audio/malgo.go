package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// MicDevice captures raw PCM from the default input through miniaudio.
// It only offers audio/wav; the PCM is wrapped at Stop.
type MicDevice struct {
	ctx        *malgo.AllocatedContext
	flushEvery time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	busy bool
}

// OpenMic initializes the audio backend.
func OpenMic(logger *slog.Logger) (*MicDevice, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w: %v", ErrDeviceUnavailable, err)
	}
	return &MicDevice{ctx: ctx, flushEvery: 250 * time.Millisecond, logger: logger}, nil
}

// Close frees the audio backend.
func (d *MicDevice) Close() error {
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

// Supports reports whether mime can be produced.
func (d *MicDevice) Supports(mime string) bool {
	return BaseMIME(mime) == "audio/wav"
}

// Acquire opens the capture device exclusively. Echo cancellation and noise
// suppression are hints miniaudio does not expose, so they are ignored.
func (d *MicDevice) Acquire(ctx context.Context, c Constraints) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.Supports(c.MIME) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, c.MIME)
	}

	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: already in use", ErrDeviceUnavailable)
	}
	d.busy = true
	d.mu.Unlock()

	h := &micHandle{owner: d, stop: make(chan struct{}), done: make(chan struct{})}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.Channels)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			h.mu.Lock()
			if !h.paused {
				h.buf = append(h.buf, input...)
			}
			h.mu.Unlock()
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		d.release()
		return nil, classifyDeviceError(err)
	}
	h.dev = dev
	return h, nil
}

func (d *MicDevice) release() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

type micHandle struct {
	owner *MicDevice
	dev   *malgo.Device

	mu      sync.Mutex
	buf     []byte
	paused  bool
	onChunk func([]byte)

	once    sync.Once
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func (h *micHandle) Start(onChunk func([]byte)) error {
	h.mu.Lock()
	h.onChunk = onChunk
	h.mu.Unlock()

	if err := h.dev.Start(); err != nil {
		return classifyDeviceError(err)
	}
	h.started = true
	go h.flushLoop()
	return nil
}

func (h *micHandle) flushLoop() {
	defer close(h.done)
	t := time.NewTicker(h.owner.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			h.flush()
		}
	}
}

func (h *micHandle) flush() {
	h.mu.Lock()
	chunk := h.buf
	h.buf = nil
	onChunk := h.onChunk
	h.mu.Unlock()
	if len(chunk) > 0 && onChunk != nil {
		onChunk(chunk)
	}
}

func (h *micHandle) Pause() error {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
	return h.dev.Stop()
}

func (h *micHandle) Resume() error {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	return h.dev.Start()
}

func (h *micHandle) Release() error {
	var err error
	h.once.Do(func() {
		if h.started {
			close(h.stop)
			<-h.done
		}
		if h.dev != nil {
			err = h.dev.Stop()
			h.dev.Uninit()
		}
		h.flush()
		h.owner.release()
	})
	return err
}
