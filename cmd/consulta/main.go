// Command consulta is a conversational client for the legal Q&A backend.
//
// Usage:
//
//	consulta            interactive terminal UI
//	consulta ask "..."  ask one question and print the answer
//	consulta mcp        serve MCP tools on stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/jwulff/consulta/internal/app"
	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/chat"
	"github.com/jwulff/consulta/internal/config"
	"github.com/jwulff/consulta/internal/db"
	"github.com/jwulff/consulta/internal/logging"
	"github.com/jwulff/consulta/internal/mcpserver"
	"github.com/jwulff/consulta/internal/session"
	"github.com/jwulff/consulta/internal/stream"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "consulta:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("consulta", flag.ContinueOnError)
	apiURL := fs.String("api", "", "backend base URL (overrides CONSULTA_API_URL)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}

	level, _ := cfg.Level()
	logger, closer, err := logging.New(cfg.LogFile, level)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rest := fs.Args()
	cmd := ""
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}
	switch cmd {
	case "":
		return runTUI(ctx, cfg, logger)
	case "ask":
		return runAsk(ctx, cfg, logger, strings.Join(rest, " "), os.Stdout)
	case "mcp":
		return runMCP(cfg, logger)
	default:
		return fmt.Errorf("unknown command %q (want ask or mcp)", cmd)
	}
}

type stack struct {
	client *backend.Client
	store  *session.Store
	ctrl   *chat.Controller
	cache  *db.Store
}

func (s *stack) Close() {
	s.store.Wait()
	if s.cache != nil {
		s.cache.Close()
	}
}

func build(cfg *config.Config, logger *slog.Logger, opts chat.Options) *stack {
	client := backend.NewClient(cfg.APIURL,
		backend.WithTimeout(cfg.HTTPTimeout),
		backend.WithUserID(cfg.UserID),
		backend.WithLogger(logger),
	)

	storeOpts := []session.Option{
		session.WithLogger(logger),
		session.WithRequestTimeout(cfg.RequestTimeout),
	}
	cache, err := db.Open(db.DefaultDBPath(cfg.StateDir))
	if err != nil {
		logger.Warn("session cache unavailable", "error", err)
	} else {
		storeOpts = append(storeOpts, session.WithCache(cache))
	}
	store := session.New(client, storeOpts...)

	opts.Language = cfg.Language
	opts.VoiceStyle = cfg.VoiceStyle
	opts.RequestTimeout = cfg.RequestTimeout
	opts.Logger = logger
	return &stack{client: client, store: store, ctrl: chat.New(store, client, opts), cache: cache}
}

func runTUI(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st := build(cfg, logger, chat.Options{Streamer: stream.New(cfg.StreamBaseDelay)})
	defer st.Close()

	recordings := make(chan audio.Recording, 16)
	var capture *audio.Capture
	mic, err := audio.OpenMic(logger)
	if err != nil {
		logger.Warn("microphone unavailable", "error", err)
	} else {
		defer mic.Close()
		capture = audio.NewCapture(mic, audio.CaptureOptions{
			SampleRate: cfg.SampleRate,
			Logger:     logger,
			OnChange: func(r audio.Recording) {
				select {
				case recordings <- r:
				default:
					logger.Debug("recording update dropped", "state", r.State)
				}
			},
		})
		defer capture.Close()
	}

	m := app.New(app.Deps{
		Context:    ctx,
		Controller: st.ctrl,
		Store:      st.store,
		Capture:    capture,
		Recordings: recordings,
		Player:     audio.NewPlayer(),
		Mode:       cfg.Mode(),
		Logger:     logger,
	})

	logger.Info("starting tui", "api", cfg.APIURL)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}

// instant reveals the whole answer at once.
type instant struct{}

func (instant) Run(_ context.Context, text string, emit func(string)) error {
	emit(text)
	return nil
}

func runAsk(ctx context.Context, cfg *config.Config, logger *slog.Logger, question string, out io.Writer) error {
	paced := false
	if f, ok := out.(*os.File); ok {
		paced = term.IsTerminal(int(f.Fd()))
	}

	opts := chat.Options{Streamer: instant{}}
	if paced {
		opts.Streamer = stream.New(cfg.StreamBaseDelay)
	}
	st := build(cfg, logger, opts)
	defer st.Close()

	printed := make(chan int, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	if paced {
		go func() {
			n := 0
			defer func() { printed <- n }()
			for {
				select {
				case <-watchCtx.Done():
					return
				case ev := <-st.ctrl.Events():
					if ev.Kind != chat.EventPartial || len(ev.Text) <= n {
						continue
					}
					fmt.Fprint(out, ev.Text[n:])
					n = len(ev.Text)
				}
			}
		}()
	} else {
		printed <- 0
	}

	answer, err := st.ctrl.Send(ctx, question)
	stopWatch()
	n := <-printed
	if err != nil {
		return err
	}
	if n > len(answer.Content) {
		n = len(answer.Content)
	}
	fmt.Fprintln(out, answer.Content[n:])
	for _, s := range answer.Sources {
		fmt.Fprintf(out, "  · %s\n", s.Title)
	}
	return nil
}

func runMCP(cfg *config.Config, logger *slog.Logger) error {
	st := build(cfg, logger, chat.Options{Streamer: instant{}})
	defer st.Close()

	logger.Info("serving mcp on stdio", "api", cfg.APIURL)
	return mcpserver.ServeStdio(mcpserver.New(mcpserver.NewHandler(st.ctrl, st.client, logger)))
}
