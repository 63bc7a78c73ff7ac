package chat_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/backend/backendtest"
	"github.com/jwulff/consulta/internal/chat"
	"github.com/jwulff/consulta/internal/domain"
	"github.com/jwulff/consulta/internal/session"
	"github.com/jwulff/consulta/internal/stream"
)

func newController(t *testing.T) (*chat.Controller, *session.Store, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	store := session.New(client)
	t.Cleanup(store.Wait)
	ctrl := chat.New(store, client, chat.Options{Streamer: stream.New(time.Microsecond), EventBuffer: 4096})
	return ctrl, store, srv
}

func drain(c *chat.Controller) []chat.Event {
	var out []chat.Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []chat.Event, k chat.EventKind) []chat.Event {
	var out []chat.Event
	for _, ev := range events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func TestSendCreatesSessionAndStreamsAnswer(t *testing.T) {
	ctx := context.Background()
	ctrl, store, srv := newController(t)

	msg, err := ctrl.Send(ctx, "¿Cómo constituyo una SAS?")
	require.NoError(t, err)
	assert.Equal(t, "Respuesta legal sobre: ¿Cómo constituyo una SAS?", msg.Content)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, "Ley 1258 de 2008", msg.Sources[0].Title)

	sid := store.CurrentID()
	require.NotEmpty(t, sid)
	sess, ok := srv.Session(sid)
	require.True(t, ok)
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, "¿Cómo constituyo una SAS?", sess.Title)

	local, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, 2, local.MessageCount)
	assert.Equal(t, "¿Cómo constituyo una SAS?", local.Title)

	msgs := store.Messages()
	require.Len(t, msgs, 3)
	assert.True(t, session.IsWelcome(msgs[0]))
	assert.Equal(t, msg.Content, msgs[2].Content)

	store.Wait()
	stored := srv.Messages(sid)
	require.Len(t, stored, 2)
	assert.Equal(t, msg.Content, *stored[1].Content)
	assert.Equal(t, sid, srv.LastQuery().SessionID)

	events := drain(ctrl)
	partials := kinds(events, chat.EventPartial)
	require.NotEmpty(t, partials)
	assert.Equal(t, msg.Content, partials[len(partials)-1].Text)
	assert.Equal(t, msg.ID, partials[0].MessageID)

	procs := kinds(events, chat.EventProcessing)
	require.NotEmpty(t, procs)
	assert.True(t, procs[0].Processing)
	assert.False(t, procs[len(procs)-1].Processing)
	assert.False(t, ctrl.Processing())
}

func TestSendTooShortSkipsBackend(t *testing.T) {
	ctrl, store, srv := newController(t)

	_, err := ctrl.Send(context.Background(), " ab ")
	assert.ErrorIs(t, err, domain.ErrQueryTooShort)
	assert.Empty(t, store.CurrentID())
	assert.Zero(t, srv.Count(backendtest.RouteCreateSession))
	assert.Zero(t, srv.Count(backendtest.RouteQuery))

	errs := kinds(drain(ctrl), chat.EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, domain.ErrQueryTooShort)
}

func TestSendQueryFailureKeepsUserMessage(t *testing.T) {
	ctx := context.Background()
	ctrl, store, srv := newController(t)
	srv.Fail(backendtest.RouteQuery, http.StatusServiceUnavailable)

	_, err := ctrl.Send(ctx, "¿Qué es una tutela?")
	require.Error(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "¿Qué es una tutela?", msgs[1].Content)
	assert.Len(t, kinds(drain(ctrl), chat.EventError), 1)
}

func TestSendQueryIsBoundedByRequestTimeout(t *testing.T) {
	ctx := context.Background()
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	store := session.New(client)
	t.Cleanup(store.Wait)
	ctrl := chat.New(store, client, chat.Options{
		Streamer:       stream.New(time.Microsecond),
		EventBuffer:    4096,
		RequestTimeout: 50 * time.Millisecond,
	})
	srv.Delay(backendtest.RouteQuery, time.Second)

	start := time.Now()
	_, err := ctrl.Send(ctx, "¿Qué es una tutela?")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.False(t, ctrl.Processing())
	assert.Len(t, store.Messages(), 2)
}

func TestSendUsesCurrentSession(t *testing.T) {
	ctx := context.Background()
	ctrl, store, srv := newController(t)
	sess, err := ctrl.NewSession(ctx, "Laboral")
	require.NoError(t, err)

	_, err = ctrl.Send(ctx, "¿Cuánto es la liquidación?")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, store.CurrentID())
	assert.Equal(t, 1, srv.Count(backendtest.RouteCreateSession))
}

func TestAttachDocumentIsSentWithQueries(t *testing.T) {
	ctx := context.Background()
	ctrl, _, srv := newController(t)

	path := filepath.Join(t.TempDir(), "contrato.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))

	doc, err := ctrl.AttachDocument(ctx, path, "contrato")
	require.NoError(t, err)
	assert.Equal(t, "contrato.pdf", doc.Filename)
	assert.Equal(t, "contrato", srv.LastForm()["document_type"])

	_, err = ctrl.Send(ctx, "¿Es válido este contrato?")
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ID}, srv.LastQuery().DocumentIDs)

	ctrl.DetachDocuments()
	assert.Empty(t, ctrl.DocumentIDs())
}

func TestAttachMissingFile(t *testing.T) {
	ctrl, _, srv := newController(t)
	_, err := ctrl.AttachDocument(context.Background(), filepath.Join(t.TempDir(), "nope.pdf"), "")
	require.Error(t, err)
	assert.Zero(t, srv.Count(backendtest.RouteUpload))
}

func TestSendVoice(t *testing.T) {
	ctx := context.Background()
	ctrl, store, _ := newController(t)

	rec := audio.Recording{
		State: audio.StateStopped,
		Blob:  audio.NewBlob([]byte("RIFF....WAVE"), "audio/wav"),
		URL:   "file:///tmp/rec.wav",
	}
	res, err := ctrl.SendVoice(ctx, rec, domain.ResponseText)
	require.NoError(t, err)
	assert.Equal(t, "¿Cómo constituyo una SAS?", res.User.Content)
	assert.NotEmpty(t, store.CurrentID())
	assert.Len(t, store.Messages(), 3)

	_, err = ctrl.SendVoice(ctx, audio.Recording{}, domain.ResponseText)
	assert.ErrorIs(t, err, domain.ErrEmptyAudio)
}

func TestSpeakAttachesAudio(t *testing.T) {
	ctx := context.Background()
	ctrl, store, srv := newController(t)
	srv.SetAudio([]byte("RIFFaudio"))

	msg, err := ctrl.Send(ctx, "¿Cómo constituyo una SAS?")
	require.NoError(t, err)

	speech, err := ctrl.Speak(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(speech.AudioURL, srv.URL+"/voice/audio/"))

	got, ok := store.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, speech.AudioURL, got.AudioURL)

	data, err := ctrl.Audio(ctx, speech.AudioURL)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFaudio"), data)

	_, err = ctrl.Speak(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestAudioReadsLocalRecording(t *testing.T) {
	ctrl, _, _ := newController(t)
	path := filepath.Join(t.TempDir(), "rec.wav")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o600))

	data, err := ctrl.Audio(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), data)
}

func TestSessionWrappersEmitEvents(t *testing.T) {
	ctx := context.Background()
	ctrl, store, _ := newController(t)

	first, err := ctrl.NewSession(ctx, "Uno")
	require.NoError(t, err)
	second, err := ctrl.NewSession(ctx, "Dos")
	require.NoError(t, err)
	drain(ctrl)

	require.NoError(t, ctrl.SwitchTo(ctx, first.ID))
	assert.Equal(t, first.ID, store.CurrentID())
	assert.NotEmpty(t, kinds(drain(ctrl), chat.EventMessages))

	require.NoError(t, ctrl.RenameSession(ctx, second.ID, "Renombrada"))
	assert.Len(t, kinds(drain(ctrl), chat.EventSessions), 1)

	require.NoError(t, ctrl.DeleteSession(ctx, first.ID))
	assert.Equal(t, second.ID, store.CurrentID())

	require.NoError(t, ctrl.Refresh(ctx))
	sessions := store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Renombrada", sessions[0].Title)
}

func TestSuggestionsAndHealth(t *testing.T) {
	ctx := context.Background()
	ctrl, _, srv := newController(t)

	cats, err := ctrl.Suggestions(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 2)

	status, err := ctrl.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status)

	srv.Fail(backendtest.RouteSuggestions, http.StatusInternalServerError)
	_, err = ctrl.Suggestions(ctx)
	assert.Error(t, err)
}
