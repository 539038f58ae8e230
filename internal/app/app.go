// Package app wires the botcall subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the voice controller
// from the configuration and the providers created by main, Run connects the
// call and serves the status endpoints and keyboard until the call ends, and
// Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and replace the
// terminal through [WithKeyInput] and [WithOutput].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/botcall/internal/config"
	"github.com/MrWong99/botcall/internal/hotkey"
	"github.com/MrWong99/botcall/internal/observe"
	"github.com/MrWong99/botcall/internal/voice"
	"github.com/MrWong99/botcall/pkg/audio"
	"github.com/MrWong99/botcall/pkg/provider/vad"
	voiceprov "github.com/MrWong99/botcall/pkg/provider/voice"
)

// errQuit ends Run when the user asks to leave.
var errQuit = errors.New("app: quit")

// Providers holds the provider instances for one run. Populated by main via
// the config registry, see [BuildProviders].
type Providers struct {
	Backend  voiceprov.Provider
	VAD      vad.Engine
	Capture  audio.Capture
	Playback audio.Output
}

// App owns all subsystem lifetimes of one voice call.
type App struct {
	cfg       *config.Config
	providers *Providers

	ctrl     *voice.Controller
	keyboard *hotkey.Keyboard
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	log      *slog.Logger
	printer  *printer

	keysIn   io.Reader
	out      io.Writer
	ctrlOpts []voice.Option
	listener net.Listener

	quit     chan struct{}
	quitOnce sync.Once

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level of the
// handler built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithKeyInput enables the keyboard: single-key commands and the
// push-to-talk key are read from r, normally a terminal in raw mode.
func WithKeyInput(r io.Reader) Option {
	return func(a *App) { a.keysIn = r }
}

// WithOutput sets where state changes and transcript lines are printed.
// Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithListener serves the status endpoints on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithControllerOptions appends options to the ones derived from the
// configuration.
func WithControllerOptions(opts ...voice.Option) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. Backend, Capture and Playback are required; a nil VAD
// selects the built-in energy detector.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Backend == nil || providers.Capture == nil || providers.Playback == nil {
		return nil, errors.New("app: backend, capture and playback providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		out:       os.Stdout,
		quit:      make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	key, err := hotkey.ParseKey(cfg.Session.PTTKey)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	ctrlOpts := controllerOptions(cfg, providers.VAD)
	ctrlOpts = append(ctrlOpts, voice.WithLogger(a.log), voice.WithMetrics(a.metrics))
	if a.keysIn != nil {
		a.keyboard = hotkey.NewKeyboard(a.keysIn, hotkey.WithFallback(a.HandleKey))
		ctrlOpts = append(ctrlOpts, voice.WithPushToTalkKey(hotkey.NewManager(a.keyboard, key, a.log)))
	}
	ctrlOpts = append(ctrlOpts, a.ctrlOpts...)

	a.ctrl = voice.New(providers.Backend, providers.Capture, providers.Playback, ctrlOpts...)
	a.closers = append(a.closers, a.ctrl.Close)
	a.printer = newPrinter(a.out, a.keyboard != nil)
	return a, nil
}

// controllerOptions derives the controller configuration from cfg.
func controllerOptions(cfg *config.Config, engine vad.Engine) []voice.Option {
	s := cfg.Session
	return []voice.Option{
		voice.WithVAD(engine, vadConfig(cfg.VAD)),
		voice.WithAudioFormat(audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}),
		voice.WithFrameDuration(time.Duration(cfg.Audio.FrameMs) * time.Millisecond),
		voice.WithConnectTimeout(s.ConnectTimeout.Std()),
		voice.WithReconnect(s.Reconnect.MaxRetries, s.Reconnect.Backoff.Std(), s.Reconnect.MaxBackoff.Std()),
		voice.WithPlaybackLead(s.InterruptGrace.Std()),
		voice.WithPushToTalk(s.PushToTalk),
	}
}

// vadConfig maps the YAML block to detector thresholds. Sample rate and frame
// size are filled in by the controller.
func vadConfig(v config.VADConfig) vad.Config {
	return vad.Config{
		SpeechThreshold:  v.SpeechThreshold,
		SilenceThreshold: v.SilenceThreshold,
		HangoverMs:       v.HangoverMs,
		MinSpeechMs:      intOption(v.Options, "min_speech_ms"),
		Mode:             intOption(v.Options, "mode"),
	}
}

// intOption reads an integer provider option. YAML numbers decode as int or
// float64 depending on their notation.
func intOption(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Controller returns the voice controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the configured bot and blocks until ctx is done, the user
// quits, or the call ends with an error. A user quit returns nil.
func (a *App) Run(ctx context.Context) error {
	views, unsubscribe := a.ctrl.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.printer.run(gctx, views) })

	if a.keyboard != nil {
		g.Go(func() error { return a.keyboard.Run(gctx) })
	}

	if a.listener != nil || a.cfg.Server.ListenAddr != "" {
		if err := a.serveStatus(gctx, g); err != nil {
			return err
		}
	}

	g.Go(func() error {
		select {
		case <-a.quit:
			return errQuit
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		sc := a.cfg.Bot.SessionConfig()
		if err := a.ctrl.Connect(gctx, a.cfg.Bot.ID, a.cfg.Bot.ChatIDPtr(), &sc); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		<-gctx.Done()
		a.ctrl.Disconnect()
		return nil
	})

	err := g.Wait()
	a.ctrl.Disconnect()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// serveStatus starts the status server on the group and stops it when gctx
// is done.
func (a *App) serveStatus(gctx context.Context, g *errgroup.Group) error {
	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: status listener: %w", err)
		}
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.log.Info("status server listening", "addr", ln.Addr().String())

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}

// Quit makes Run return. Safe to call more than once.
func (a *App) Quit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a configuration change. It
// has the signature of a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.VADChanged {
		a.ctrl.SetVADConfig(vadConfig(d.NewVAD))
		a.log.Info("vad thresholds changed, effective from next connect",
			"speech_threshold", d.NewVAD.SpeechThreshold,
			"silence_threshold", d.NewVAD.SilenceThreshold,
			"hangover_ms", d.NewVAD.HangoverMs,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. If ctx expires before all
// closers finish, the remaining ones are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
