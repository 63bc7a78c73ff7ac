package audio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Player plays WAV audio on the default output. oto allows one context per
// process, so the first clip fixes the output format.
type Player struct {
	mu     sync.Mutex
	ctx    *oto.Context
	format PCMFormat
	active *oto.Player
}

// NewPlayer returns a player. The output device is opened on first use.
func NewPlayer() *Player {
	return &Player{}
}

func (p *Player) context(f PCMFormat) (*oto.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		if f != p.format {
			return nil, fmt.Errorf("output opened at %d Hz/%dch, clip is %d Hz/%dch",
				p.format.SampleRate, p.format.Channels, f.SampleRate, f.Channels)
		}
		return p.ctx, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	<-ready
	p.ctx, p.format = ctx, f
	return ctx, nil
}

// Play decodes a WAV clip and blocks until it finishes or ctx is cancelled.
// A new Play stops the previous one.
func (p *Player) Play(ctx context.Context, wav []byte) error {
	format, pcm, err := DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	octx, err := p.context(format)
	if err != nil {
		return err
	}

	player := octx.NewPlayer(bytes.NewReader(pcm))
	p.mu.Lock()
	if p.active != nil {
		p.active.Pause()
	}
	p.active = player
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.active == player {
			p.active = nil
		}
		p.mu.Unlock()
		player.Close()
	}()

	player.Play()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Stop halts the current clip, if any.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.Pause()
	}
}
