// Command botcall places a voice call to a conversational bot from the
// terminal: microphone in, bot speech out, transcripts printed as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/botcall/internal/app"
	"github.com/MrWong99/botcall/internal/config"
	"github.com/MrWong99/botcall/internal/hotkey"
	"github.com/MrWong99/botcall/internal/observe"
	"github.com/MrWong99/botcall/pkg/audio"
	"github.com/MrWong99/botcall/pkg/audio/ffmpeg"
	"github.com/MrWong99/botcall/pkg/provider/vad"
	"github.com/MrWong99/botcall/pkg/provider/vad/energy"
	"github.com/MrWong99/botcall/pkg/provider/vad/webrtc"
	"github.com/MrWong99/botcall/pkg/provider/voice"
	"github.com/MrWong99/botcall/pkg/provider/voice/openai"
	"github.com/MrWong99/botcall/pkg/provider/voice/wsjson"
)

// apiKeyEnv is consulted when a backend entry has no api_key.
const apiKeyEnv = "BOTCALL_API_KEY"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "botcall.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with API keys")
	noKeys := flag.Bool("no-keys", false, "do not read keyboard commands from stdin")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "botcall: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "botcall: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "botcall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("botcall starting",
		"config", *configPath,
		"bot_id", cfg.Bot.ID,
		"backend", cfg.Backend.Name,
		"fallbacks", len(cfg.Backend.Fallbacks),
		"vad", cfg.VAD.Name,
		"push_to_talk", cfg.Session.PushToTalk,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "botcall"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Terminal ──────────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithLevelVar(&level),
	}
	if !*noKeys {
		restore, err := hotkey.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			slog.Warn("keyboard commands disabled", "err", err)
		} else {
			defer func() { _ = restore() }()
			opts = append(opts, app.WithKeyInput(os.Stdin))
		}
	}

	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("call ended", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// botcall into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	// ── Backend ───────────────────────────────────────────────────────────────
	reg.RegisterVoice("wsjson", func(entry config.ProviderEntry) (voice.Provider, error) {
		if entry.BaseURL == "" {
			return nil, errors.New("wsjson: base_url is required")
		}
		opts := []wsjson.Option{wsjson.WithLogger(logger)}
		if key := apiKey(entry); key != "" {
			opts = append(opts, wsjson.WithAPIKey(key))
		}
		return wsjson.New(entry.BaseURL, opts...), nil
	})

	reg.RegisterVoice("openai", func(entry config.ProviderEntry) (voice.Provider, error) {
		key := apiKey(entry)
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, errors.New("openai: api_key is required")
		}
		opts := []openai.Option{openai.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if optBool(entry.Options, "server_vad") {
			opts = append(opts, openai.WithServerVAD())
		}
		return openai.New(key, opts...), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD("webrtc", func(c config.VADConfig) (vad.Engine, error) {
		var opts []webrtc.Option
		if mode, ok := optInt(c.Options, "mode"); ok {
			opts = append(opts, webrtc.WithMode(mode))
		}
		return webrtc.New(opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterCapture("ffmpeg", func(a config.AudioConfig) (audio.Capture, error) {
		opts := []ffmpeg.CaptureOption{
			ffmpeg.WithFrameDuration(time.Duration(a.FrameMs) * time.Millisecond),
			ffmpeg.WithCaptureLogger(logger),
		}
		if a.Capture.Command != "" {
			opts = append(opts, ffmpeg.WithCaptureCommand(a.Capture.Command))
		}
		if a.Capture.InputFormat != "" || a.Capture.InputDevice != "" {
			opts = append(opts, ffmpeg.WithInput(a.Capture.InputFormat, a.Capture.InputDevice))
		}
		return ffmpeg.NewCapture(opts...), nil
	})

	reg.RegisterPlayback("ffmpeg", func(a config.AudioConfig) (audio.Output, error) {
		opts := []ffmpeg.OutputOption{ffmpeg.WithOutputLogger(logger)}
		if a.Playback.Command != "" {
			opts = append(opts, ffmpeg.WithPlayerCommand(a.Playback.Command))
		}
		return ffmpeg.NewOutput(opts...), nil
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// apiKey returns the entry's key, or the BOTCALL_API_KEY environment variable.
func apiKey(entry config.ProviderEntry) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(apiKeyEnv)
}

// optInt extracts an integer from a provider Options map. YAML numbers may
// decode as int or float64.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}
