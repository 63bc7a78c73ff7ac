package audio

import (
	"context"
	"os"
	"testing"
	"time"
)

// Live tests need a real microphone. Run with CONSULTA_LIVE_AUDIO=1.
func skipIfNoLiveAudio(t *testing.T) {
	t.Helper()
	if os.Getenv("CONSULTA_LIVE_AUDIO") == "" {
		t.Skip("CONSULTA_LIVE_AUDIO not set")
	}
}

func TestLiveMicRecording(t *testing.T) {
	skipIfNoLiveAudio(t)

	mic, err := OpenMic(nil)
	if err != nil {
		t.Fatalf("OpenMic: %v", err)
	}
	defer mic.Close()

	c := NewCapture(mic, CaptureOptions{TempDir: t.TempDir()})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap := c.Snapshot()
	if snap.Seconds < 1 {
		t.Errorf("seconds = %d, want >= 1", snap.Seconds)
	}
	format, pcm, err := DecodeWAV(snap.Blob.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	t.Logf("recorded %d bytes at %d Hz", len(pcm), format.SampleRate)
	if len(pcm) == 0 {
		t.Error("no audio captured")
	}
}

func TestLiveMicExclusive(t *testing.T) {
	skipIfNoLiveAudio(t)

	mic, err := OpenMic(nil)
	if err != nil {
		t.Fatalf("OpenMic: %v", err)
	}
	defer mic.Close()

	c := Constraints{MIME: "audio/wav", SampleRate: 16000, Channels: 1}
	h, err := mic.Acquire(context.Background(), c)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()
	if _, err := mic.Acquire(context.Background(), c); err == nil {
		t.Error("second Acquire succeeded, want device busy")
	}
}
