package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/botcall/internal/app"
	"github.com/MrWong99/botcall/internal/config"
	"github.com/MrWong99/botcall/internal/resilience"
	"github.com/MrWong99/botcall/internal/voice"
	"github.com/MrWong99/botcall/pkg/audio"
	audiomock "github.com/MrWong99/botcall/pkg/audio/mock"
	"github.com/MrWong99/botcall/pkg/provider/vad"
	vadmock "github.com/MrWong99/botcall/pkg/provider/vad/mock"
	voiceprov "github.com/MrWong99/botcall/pkg/provider/voice"
	voicemock "github.com/MrWong99/botcall/pkg/provider/voice/mock"
)

// syncBuffer is a bytes.Buffer safe for the printer goroutine and the test.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// testConfig returns a minimal config for a mock backend.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Backend.Name = "mock"
	cfg.Bot = config.BotConfig{
		ID:           "support-bot",
		ChatID:       "chat-1",
		SystemPrompt: "be brief",
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type fixture struct {
	app     *app.App
	backend *voicemock.Provider
	engine  *vadmock.Engine
	out     *syncBuffer
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		backend: &voicemock.Provider{},
		engine:  &vadmock.Engine{},
		out:     &syncBuffer{},
	}
	providers := &app.Providers{
		Backend:  f.backend,
		VAD:      f.engine,
		Capture:  &audiomock.Capture{},
		Playback: &audiomock.Output{},
	}
	base := []app.Option{
		app.WithLogger(slog.New(slog.DiscardHandler)),
		app.WithOutput(f.out),
		app.WithControllerOptions(
			voice.WithPlaybackLead(0),
			voice.WithReconnect(1, time.Millisecond, 2*time.Millisecond),
		),
	}
	a, err := app.New(cfg, providers, append(base, opts...)...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return f
}

// start runs the app in the background and returns its result channel.
func (f *fixture) start(t *testing.T) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- f.app.Run(ctx) }()
	return errc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fixture) waitState(t *testing.T, want voice.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return f.app.Controller().State() == want })
}

func waitResult(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(), &app.Providers{Backend: &voicemock.Provider{}})
	if err == nil {
		t.Fatal("expected error without capture and playback")
	}
}

func TestRun_ConnectsAndQuits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	errc := f.start(t)

	f.waitState(t, voice.StateIdle)

	reqs := f.backend.Requests()
	if len(reqs) != 1 {
		t.Fatalf("connect requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.BotID != "support-bot" || req.ChatID == nil || *req.ChatID != "chat-1" {
		t.Errorf("init request ids = %q / %v", req.BotID, req.ChatID)
	}
	if req.Config.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", req.Config.SystemPrompt)
	}
	if req.Audio.SampleRate != config.DefaultSampleRate {
		t.Errorf("audio sample rate = %d", req.Audio.SampleRate)
	}

	waitFor(t, "state line", func() bool { return strings.Contains(f.out.String(), "* idle") })

	f.app.HandleKey("q")
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run after quit = %v, want nil", err)
	}
	if s := f.app.Controller().State(); s != voice.StateDisconnected {
		t.Errorf("state after quit = %s", s)
	}
	waitFor(t, "session close", f.backend.Last().Closed)

}

func TestRun_ContextCancelDisconnects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.app.Run(ctx) }()

	f.waitState(t, voice.StateIdle)
	cancel()
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
	waitFor(t, "session close", f.backend.Last().Closed)
}

func TestRun_PrintsTranscriptsAndTools(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	errc := f.start(t)
	f.waitState(t, voice.StateIdle)

	sess := f.backend.Last()
	sess.Emit(voiceprov.Event{Type: voiceprov.EventTranscriptFinal, Role: voiceprov.RoleUser, ItemID: "u1", Text: "Where is my invoice?"})
	sess.Emit(voiceprov.Event{Type: voiceprov.EventResponseStarted, TurnID: "t1"})
	sess.Emit(voiceprov.Event{Type: voiceprov.EventToolStarted, TurnID: "t1", Tool: "lookup_invoice", CallID: "c1"})

	waitFor(t, "printed lines", func() bool {
		out := f.out.String()
		return strings.Contains(out, "[user] Where is my invoice?") && strings.Contains(out, "using lookup_invoice")
	})

	f.app.Quit()
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestRun_ConnectFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	refused := errors.New("connection refused")
	f.backend.ConnectErr = refused

	err := waitResult(t, f.start(t))
	if err == nil {
		t.Fatal("Run should fail when the backend refuses")
	}
	if !errors.Is(err, refused) {
		t.Errorf("Run error = %v, want it to wrap the dial error", err)
	}

	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503 after a failed call", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"voice"`) {
		t.Errorf("/readyz body should report the voice check: %s", rec.Body.String())
	}
}

func TestRun_ReconnectExhaustedEndsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	drop := errors.New("reset by peer")
	f.backend.ConnectErrs = []error{nil, drop, drop, drop}
	errc := f.start(t)
	f.waitState(t, voice.StateIdle)

	f.backend.Last().Drop(drop)

	err := waitResult(t, errc)
	var se *voice.SessionError
	if !errors.As(err, &se) || se.Kind != voice.KindReconnectExhausted {
		t.Fatalf("Run error = %v, want a reconnect_exhausted session error", err)
	}
	if !strings.Contains(f.out.String(), "reconnect_exhausted") {
		t.Errorf("output should show the error:\n%s", f.out.String())
	}
}

func TestHandleKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	errc := f.start(t)
	f.waitState(t, voice.StateIdle)
	ctrl := f.app.Controller()

	f.app.HandleKey("m")
	if !ctrl.Snapshot().Muted {
		t.Error("m should mute")
	}
	f.app.HandleKey("p")
	if !ctrl.Snapshot().PushToTalk {
		t.Error("p should switch to push-to-talk")
	}

	f.backend.Last().Emit(voiceprov.Event{Type: voiceprov.EventTranscriptFinal, Role: voiceprov.RoleBot, ItemID: "b1", Text: "hi"})
	waitFor(t, "transcript", func() bool { return len(ctrl.Snapshot().Transcripts) == 1 })
	f.app.HandleKey("c")
	if n := len(ctrl.Snapshot().Transcripts); n != 0 {
		t.Errorf("c should clear transcripts, %d left", n)
	}

	f.app.HandleKey("z")
	f.app.HandleKey("i")
	if s := ctrl.State(); s != voice.StateIdle {
		t.Errorf("state after no-op keys = %s", s)
	}

	out := f.out.String()
	if !strings.Contains(out, "muted: true") || !strings.Contains(out, "push-to-talk: true") {
		t.Errorf("output missing notices:\n%s", out)
	}

	f.app.HandleKey("ctrl+c")
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestRun_PushToTalkKey(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Session.PushToTalk = true
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	f := newFixture(t, cfg, app.WithKeyInput(pr))
	errc := f.start(t)
	f.waitState(t, voice.StateIdle)
	ctrl := f.app.Controller()

	if _, err := pw.Write([]byte(" ")); err != nil {
		t.Fatalf("write key: %v", err)
	}
	waitFor(t, "ptt hold", func() bool { return ctrl.Snapshot().HoldingPTT })
	waitFor(t, "ptt release", func() bool { return !ctrl.Snapshot().HoldingPTT })

	waitFor(t, "raw output", func() bool { return strings.Contains(f.out.String(), "* idle\r\n") })
	if _, err := pw.Write([]byte("q")); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestRun_StatusServer(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}
	f := newFixture(t, testConfig(), app.WithListener(ln))
	errc := f.start(t)
	f.waitState(t, voice.StateIdle)
	base := "http://" + ln.Addr().String()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(base + "/state")
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	defer resp.Body.Close()
	var view struct {
		State     string `json:"state"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode /state: %v", err)
	}
	if view.State != "idle" || view.SessionID == "" {
		t.Errorf("/state = %+v", view)
	}

	f.app.Quit()
	if err := waitResult(t, errc); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Error("status server should be shut down after Run")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	f := newFixture(t, testConfig(), app.WithLevelVar(&level))

	old := testConfig()
	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.VAD.SpeechThreshold = 0.08
	updated.VAD.HangoverMs = 900
	f.app.ApplyConfig(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	sc := voiceprov.BotConfig{}
	if err := f.app.Controller().Connect(context.Background(), "support-bot", nil, &sc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	calls := f.engine.NewSessionCalls
	if len(calls) != 1 {
		t.Fatalf("vad sessions = %d, want 1", len(calls))
	}
	got := calls[0].Cfg
	if got.SpeechThreshold != 0.08 || got.HangoverMs != 900 {
		t.Errorf("vad config = %+v, want reloaded thresholds", got)
	}
	if got.SampleRate != config.DefaultSampleRate || got.FrameSizeMs != config.DefaultFrameMs {
		t.Errorf("vad format = %d Hz / %d ms", got.SampleRate, got.FrameSizeMs)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var dialled []string
	reg.RegisterVoice("mock", func(e config.ProviderEntry) (voiceprov.Provider, error) {
		dialled = append(dialled, e.BaseURL)
		return &voicemock.Provider{}, nil
	})
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) { return &vadmock.Engine{}, nil })
	reg.RegisterCapture("ffmpeg", func(config.AudioConfig) (audio.Capture, error) { return &audiomock.Capture{}, nil })
	reg.RegisterPlayback("ffmpeg", func(config.AudioConfig) (audio.Output, error) { return &audiomock.Output{}, nil })

	cfg := testConfig()
	p, err := app.BuildProviders(cfg, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := p.Backend.(*voicemock.Provider); !ok {
		t.Errorf("backend without fallbacks = %T, want the primary provider", p.Backend)
	}

	cfg.Backend.BaseURL = "ws://primary"
	cfg.Backend.Fallbacks = []config.ProviderEntry{{Name: "mock", BaseURL: "ws://secondary"}}
	p, err = app.BuildProviders(cfg, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders with fallback: %v", err)
	}
	fb, ok := p.Backend.(*resilience.VoiceFallback)
	if !ok {
		t.Fatalf("backend with fallbacks = %T, want *resilience.VoiceFallback", p.Backend)
	}
	if want := []string{"", "ws://primary", "ws://secondary"}; strings.Join(dialled, ",") != strings.Join(want, ",") {
		t.Errorf("factory calls = %q, want %q", dialled, want)
	}
	if eps := fb.Endpoints(); len(eps) != 2 || eps["mock@ws://secondary"] != resilience.StateClosed {
		t.Errorf("endpoints = %v", eps)
	}

	cfg.VAD.Name = "silero"
	if _, err := app.BuildProviders(cfg, reg, nil); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered vad: got %v", err)
	}
	cfg.Backend.Name = ""
	if _, err := app.BuildProviders(cfg, reg, nil); !errors.Is(err, app.ErrNoBackend) {
		t.Errorf("missing backend: got %v", err)
	}
}
