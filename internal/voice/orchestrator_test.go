package voice_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/backend/backendtest"
	"github.com/jwulff/consulta/internal/domain"
	"github.com/jwulff/consulta/internal/session"
	"github.com/jwulff/consulta/internal/stream"
	"github.com/jwulff/consulta/internal/voice"
)

type harness struct {
	srv   *backendtest.Server
	store *session.Store
	orch  *voice.Orchestrator

	mu      sync.Mutex
	reveals []string
}

func newHarness(t *testing.T, opts voice.Options) *harness {
	t.Helper()
	h := &harness{srv: backendtest.New(t)}
	client := backend.NewClient(h.srv.URL)
	h.store = session.New(client)
	t.Cleanup(h.store.Wait)

	opts.OnReveal = func(_, _, prefix string) {
		h.mu.Lock()
		h.reveals = append(h.reveals, prefix)
		h.mu.Unlock()
	}
	h.orch = voice.New(client, h.store, stream.New(time.Microsecond), opts)
	return h
}

func (h *harness) revealed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reveals...)
}

func recording() audio.Recording {
	return audio.Recording{
		State: audio.StateStopped,
		Blob:  audio.NewBlob([]byte("RIFF....WAVEfmt "), "audio/wav"),
		URL:   "file:///tmp/consulta-recording-1.wav",
	}
}

func TestSubmitVoiceQueryTextMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, voice.Options{})
	sess, err := h.store.CreateSession(ctx, "")
	require.NoError(t, err)

	res, err := h.orch.SubmitVoiceQuery(ctx, sess.ID, recording(), domain.ResponseText, nil)
	require.NoError(t, err)

	transcript := "¿Cómo constituyo una SAS?"
	assert.Equal(t, transcript, res.User.Content)
	assert.Equal(t, "file:///tmp/consulta-recording-1.wav", res.User.AudioURL)
	assert.Equal(t, "Respuesta legal sobre: "+transcript, res.Assistant.Content)
	assert.Empty(t, res.Assistant.AudioURL)

	reveals := h.revealed()
	require.NotEmpty(t, reveals)
	assert.Equal(t, res.Assistant.Content, reveals[len(reveals)-1])

	h.store.Wait()
	msgs := h.srv.Messages(sess.ID)
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[0].Content)
	assert.Equal(t, transcript, *msgs[0].Content)
	require.NotNil(t, msgs[1].Content)
	assert.Equal(t, res.Assistant.Content, *msgs[1].Content)

	form := h.srv.LastForm()
	assert.Equal(t, "text", form["response_mode"])
	assert.Equal(t, "es", form["language"])
	assert.Equal(t, "recording.wav", form["audio_file.filename"])
	assert.False(t, h.orch.Processing())
	assert.NoError(t, h.orch.LastError())
}

func TestSubmitVoiceQueryAudioMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, voice.Options{})
	sess, err := h.store.CreateSession(ctx, "")
	require.NoError(t, err)

	res, err := h.orch.SubmitVoiceQuery(ctx, sess.ID, recording(), domain.ResponseAudio, []string{"doc-1", "doc-2"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Assistant.AudioURL, h.srv.URL+"/voice/audio/"), res.Assistant.AudioURL)
	assert.Empty(t, h.revealed(), "audio answers are not streamed")
	form := h.srv.LastForm()
	assert.Equal(t, "audio", form["response_mode"])
	assert.Equal(t, "doc-1,doc-2", form["document_ids"])
	assert.Len(t, h.store.Messages(), 3)
}

func TestSubmitVoiceQueryAudioModeWithoutAudioFallsBackToText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, voice.Options{})
	sess, err := h.store.CreateSession(ctx, "")
	require.NoError(t, err)
	h.srv.SetSpeechDown(true)

	res, err := h.orch.SubmitVoiceQuery(ctx, sess.ID, recording(), domain.ResponseAudio, nil)
	require.NoError(t, err)

	transcript := "¿Cómo constituyo una SAS?"
	assert.Equal(t, transcript, res.User.Content)
	assert.Equal(t, "Respuesta legal sobre: "+transcript, res.Assistant.Content)
	assert.Empty(t, res.Assistant.AudioURL)

	reveals := h.revealed()
	require.NotEmpty(t, reveals)
	assert.Equal(t, res.Assistant.Content, reveals[len(reveals)-1])

	h.store.Wait()
	remote := h.srv.Messages(sess.ID)
	require.Len(t, remote, 2)
	assert.Equal(t, res.Assistant.Content, *remote[1].Content)
}

func TestSubmitVoiceQueryEmptyRecording(t *testing.T) {
	h := newHarness(t, voice.Options{})
	_, err := h.orch.SubmitVoiceQuery(context.Background(), "", audio.Recording{}, domain.ResponseText, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyAudio)
	assert.ErrorIs(t, h.orch.LastError(), domain.ErrEmptyAudio)
	assert.Zero(t, h.srv.Count(backendtest.RouteVoiceQuery))
}

func TestSubmitVoiceQueryFailureKeepsPlaceholder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, voice.Options{})
	sess, err := h.store.CreateSession(ctx, "")
	require.NoError(t, err)
	h.srv.Fail(backendtest.RouteVoiceQuery, http.StatusInternalServerError)

	res, err := h.orch.SubmitVoiceQuery(ctx, sess.ID, recording(), domain.ResponseText, nil)
	require.Error(t, err)

	var apiErr *backend.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, voice.PlaceholderText, res.User.Content)
	assert.Error(t, h.orch.LastError())
	assert.Len(t, h.srv.Messages(sess.ID), 1)
}

func TestTranscribe(t *testing.T) {
	h := newHarness(t, voice.Options{Language: "es"})
	h.srv.SetTranscript("¿Qué es una tutela?")

	text, err := h.orch.Transcribe(context.Background(), recording().Blob)
	require.NoError(t, err)
	assert.Equal(t, "¿Qué es una tutela?", text)

	_, err = h.orch.Transcribe(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrEmptyAudio)
}

func TestTranscribeEmptyResult(t *testing.T) {
	h := newHarness(t, voice.Options{})
	h.srv.SetTranscript("  ")

	_, err := h.orch.Transcribe(context.Background(), recording().Blob)
	assert.ErrorIs(t, err, domain.ErrEmptyTranscription)
}

func TestBackendCallsAreBoundedByRequestTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, voice.Options{RequestTimeout: 50 * time.Millisecond})
	h.srv.Delay(backendtest.RouteSpeechToText, time.Second)
	h.srv.Delay(backendtest.RouteTextToSpeech, time.Second)

	start := time.Now()
	_, err := h.orch.Transcribe(ctx, recording().Blob)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.orch.GenerateSpeech(ctx, "Hola")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.False(t, h.orch.Processing())
}

func TestGenerateSpeech(t *testing.T) {
	h := newHarness(t, voice.Options{VoiceStyle: "susurro", SpeechFormat: "mp3"})

	speech, err := h.orch.GenerateSpeech(context.Background(), "Hola")
	require.NoError(t, err)
	assert.Equal(t, "mp3", speech.Format)
	assert.True(t, strings.HasPrefix(speech.AudioURL, h.srv.URL+"/voice/audio/"))
	assert.Equal(t, "legal", h.srv.LastForm()["voice_style"], "unknown styles coerce to legal")
}

func TestOperationsAreSerialized(t *testing.T) {
	h := newHarness(t, voice.Options{})
	h.srv.Delay(backendtest.RouteSpeechToText, 30*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Transcribe(context.Background(), recording().Blob)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, h.orch.Processing, time.Second, time.Millisecond)
	start := time.Now()
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.False(t, h.orch.Processing())
	assert.Equal(t, 3, h.srv.Count(backendtest.RouteSpeechToText))
}

func TestQueuedOperationHonorsContext(t *testing.T) {
	h := newHarness(t, voice.Options{})
	h.srv.Delay(backendtest.RouteSpeechToText, 200*time.Millisecond)

	go h.orch.Transcribe(context.Background(), recording().Blob)
	require.Eventually(t, func() bool { return h.srv.Count(backendtest.RouteSpeechToText) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.orch.GenerateSpeech(ctx, "Hola")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.srv.Count(backendtest.RouteTextToSpeech))
}

type superseding struct{}

func (superseding) Run(_ context.Context, text string, emit func(string)) error {
	emit(text[:1])
	return stream.ErrSuperseded
}

func TestRevealAnswerFinalizesWhenSuperseded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, voice.Options{})
	sess, err := h.store.CreateSession(ctx, "")
	require.NoError(t, err)

	ph, err := h.store.AddMessage(ctx, domain.MessageInput{Role: domain.RoleAssistant}, sess.ID)
	require.NoError(t, err)

	var prefixes []string
	got, err := voice.RevealAnswer(ctx, superseding{}, h.store, ph, "Respuesta completa", func(_, _, p string) {
		prefixes = append(prefixes, p)
	})
	require.NoError(t, err)
	assert.Equal(t, "Respuesta completa", got.Content)
	assert.Equal(t, []string{"R"}, prefixes)

	m, ok := h.store.Message(ph.ID)
	require.True(t, ok)
	assert.Equal(t, "Respuesta completa", m.Content)
}
