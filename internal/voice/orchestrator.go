// Package voice runs spoken queries end to end: the user's placeholder
// message, the voice-query call, the transcription patch and the assistant
// answer.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/domain"
	"github.com/jwulff/consulta/internal/stream"
)

// PlaceholderText is shown for a voice message until its transcription lands.
const PlaceholderText = "🎤 Mensaje de voz"

// Gateway is the voice side of the backend.
type Gateway interface {
	VoiceQuery(ctx context.Context, vq domain.VoiceQuery) (domain.QueryResult, error)
	SpeechToText(ctx context.Context, clip domain.AudioClip, language string) (domain.Transcription, error)
	TextToSpeech(ctx context.Context, text, style, format string) (domain.Speech, error)
}

// MessageStore appends and patches conversation messages.
type MessageStore interface {
	AddMessage(ctx context.Context, in domain.MessageInput, sessionID string) (domain.Message, error)
	UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch, sessionID string) error
}

// Streamer reveals text progressively.
type Streamer interface {
	Run(ctx context.Context, text string, emit func(prefix string)) error
}

// Options configures an Orchestrator.
type Options struct {
	Language     string
	VoiceStyle   string
	SpeechFormat string
	// RequestTimeout bounds each backend call. Defaults to 30s.
	RequestTimeout time.Duration
	Logger         *slog.Logger
	// OnReveal receives each streamed prefix of a text-mode answer.
	OnReveal func(sessionID, messageID, prefix string)
	// OnProcessing is called when Processing flips.
	OnProcessing func(bool)
}

// Result is the outcome of a voice query.
type Result struct {
	User      domain.Message
	Assistant domain.Message
	Query     domain.QueryResult
}

// Orchestrator serializes voice operations; concurrent calls queue in arrival
// order and honor their contexts while waiting.
type Orchestrator struct {
	gw       Gateway
	messages MessageStore
	streamer Streamer
	opts     Options

	sem      chan struct{}
	inflight atomic.Int32

	mu      sync.Mutex
	lastErr error
}

// New creates an Orchestrator.
func New(gw Gateway, messages MessageStore, streamer Streamer, opts Options) *Orchestrator {
	if opts.Language == "" {
		opts.Language = "es"
	}
	if opts.VoiceStyle == "" {
		opts.VoiceStyle = "legal"
	}
	if opts.SpeechFormat == "" {
		opts.SpeechFormat = "wav"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		gw:       gw,
		messages: messages,
		streamer: streamer,
		opts:     opts,
		sem:      make(chan struct{}, 1),
	}
}

// DefaultRequestTimeout bounds a backend call when Options leaves it unset.
const DefaultRequestTimeout = 30 * time.Second

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.RequestTimeout)
}

// Processing reports whether any voice operation is running or queued.
func (o *Orchestrator) Processing() bool {
	return o.inflight.Load() > 0
}

// LastError returns the error of the most recent operation, or nil.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) begin(ctx context.Context) (func(error), error) {
	if o.inflight.Add(1) == 1 && o.opts.OnProcessing != nil {
		o.opts.OnProcessing(true)
	}
	leave := func() {
		if o.inflight.Add(-1) == 0 && o.opts.OnProcessing != nil {
			o.opts.OnProcessing(false)
		}
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		leave()
		return nil, ctx.Err()
	}

	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()

	return func(err error) {
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
		<-o.sem
		leave()
	}, nil
}

// SubmitVoiceQuery sends a finished recording as a question. The answer is
// revealed through the streamer in text mode, or attached as audio in audio
// mode.
func (o *Orchestrator) SubmitVoiceQuery(ctx context.Context, sessionID string, rec audio.Recording, mode domain.ResponseMode, docIDs []string) (res Result, err error) {
	done, err := o.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { done(err) }()

	if rec.Blob == nil || rec.Blob.Len() == 0 {
		return Result{}, domain.ErrEmptyAudio
	}
	if !mode.Valid() {
		mode = domain.ResponseText
	}

	user, err := o.messages.AddMessage(ctx, domain.MessageInput{
		Role:     domain.RoleUser,
		Content:  PlaceholderText,
		AudioURL: rec.URL,
	}, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("add voice message: %w", err)
	}
	res.User = user
	sessionID = user.SessionID

	qctx, cancel := o.withTimeout(ctx)
	answer, err := o.gw.VoiceQuery(qctx, domain.VoiceQuery{
		Audio:       rec.Blob.Clip(),
		Mode:        mode,
		Language:    o.opts.Language,
		VoiceStyle:  o.opts.VoiceStyle,
		DocumentIDs: docIDs,
	})
	cancel()
	if err != nil {
		o.opts.Logger.Error("voice query failed", "session_id", sessionID, "error", err)
		return res, fmt.Errorf("voice query: %w", err)
	}
	res.Query = answer

	transcript := answer.Metadata.Transcription
	if err := o.messages.UpdateMessage(ctx, user.ID, domain.MessagePatch{
		Content:       &transcript,
		Transcription: &transcript,
	}, sessionID); err != nil {
		o.opts.Logger.Warn("patch voice transcription failed", "message_id", user.ID, "error", err)
	}
	res.User.Content = transcript
	res.User.Transcription = transcript

	input := AnswerInput(answer)
	if mode == domain.ResponseAudio && answer.AudioURL == "" {
		o.opts.Logger.Warn("voice answer has no audio, revealing as text", "session_id", sessionID)
	}
	if mode == domain.ResponseAudio && answer.AudioURL != "" {
		input.AudioURL = answer.AudioURL
		assistant, err := o.messages.AddMessage(ctx, input, sessionID)
		if err != nil {
			return res, fmt.Errorf("add voice answer: %w", err)
		}
		res.Assistant = assistant
		return res, nil
	}

	input.Content = ""
	assistant, err := o.messages.AddMessage(ctx, input, sessionID)
	if err != nil {
		return res, fmt.Errorf("add voice answer: %w", err)
	}
	assistant, err = RevealAnswer(ctx, o.streamer, o.messages, assistant, answer.Response, o.opts.OnReveal)
	res.Assistant = assistant
	return res, err
}

// Transcribe converts a recording to text without querying.
func (o *Orchestrator) Transcribe(ctx context.Context, blob *audio.Blob) (text string, err error) {
	done, err := o.begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { done(err) }()

	if blob == nil || blob.Len() == 0 {
		return "", domain.ErrEmptyAudio
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	tr, err := o.gw.SpeechToText(ctx, blob.Clip(), o.opts.Language)
	if err != nil {
		o.opts.Logger.Warn("transcription failed", "error", err)
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return tr.Text, nil
}

// GenerateSpeech synthesizes text and returns a playable URL.
func (o *Orchestrator) GenerateSpeech(ctx context.Context, text string) (speech domain.Speech, err error) {
	done, err := o.begin(ctx)
	if err != nil {
		return domain.Speech{}, err
	}
	defer func() { done(err) }()

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	speech, err = o.gw.TextToSpeech(ctx, text, o.opts.VoiceStyle, o.opts.SpeechFormat)
	if err != nil {
		o.opts.Logger.Warn("speech synthesis failed", "error", err)
		return domain.Speech{}, fmt.Errorf("generate speech: %w", err)
	}
	return speech, nil
}

// AnswerInput builds the assistant message for an answer, carrying its
// sources, confidence and area.
func AnswerInput(q domain.QueryResult) domain.MessageInput {
	conf := q.Confidence
	return domain.MessageInput{
		Role:       domain.RoleAssistant,
		Content:    q.Response,
		Sources:    q.Sources,
		Confidence: &conf,
		Area:       q.Area,
	}
}

// RevealAnswer streams text into placeholder and then writes the final
// content. The final write happens even when the stream was superseded or
// cancelled, so the stored message always ends up complete.
func RevealAnswer(ctx context.Context, s Streamer, store MessageStore, placeholder domain.Message, text string, onReveal func(sessionID, messageID, prefix string)) (domain.Message, error) {
	sid, mid := placeholder.SessionID, placeholder.ID
	err := s.Run(ctx, text, func(prefix string) {
		if onReveal != nil {
			onReveal(sid, mid, prefix)
		}
	})
	if err != nil && !errors.Is(err, stream.ErrSuperseded) && !errors.Is(err, context.Canceled) {
		return placeholder, fmt.Errorf("reveal answer: %w", err)
	}

	final := text
	if uerr := store.UpdateMessage(context.WithoutCancel(ctx), mid, domain.MessagePatch{Content: &final}, sid); uerr != nil {
		return placeholder, fmt.Errorf("finalize answer: %w", uerr)
	}
	placeholder.Content = final
	return placeholder, nil
}
