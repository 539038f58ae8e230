// Package voice is the voice session controller: it owns one call at a time,
// combining microphone capture, VAD/push-to-talk gating, the backend session,
// reply playback, the transcript and tool-call tracking into a single state
// machine that the UI observes through [Controller.Snapshot] and
// [Controller.Subscribe].
//
// Every input (user operations, captured frames, backend events, playback
// notifications) is applied through one serialised dispatch path, so an event
// is either fully applied or not at all. Side effects requested by the state
// machine never block: backend writes go through an outbox drained by a
// writer goroutine and playback runs on its own goroutine.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/botcall/internal/hotkey"
	"github.com/MrWong99/botcall/internal/observe"
	"github.com/MrWong99/botcall/internal/session"
	"github.com/MrWong99/botcall/pkg/audio"
	"github.com/MrWong99/botcall/pkg/audio/playback"
	"github.com/MrWong99/botcall/pkg/provider/vad"
	"github.com/MrWong99/botcall/pkg/provider/vad/energy"
	"github.com/MrWong99/botcall/pkg/provider/voice"
)

// SessionConfig is the bot definition passed to Connect. It is copied on
// Connect and reused verbatim for every reconnect.
type SessionConfig = voice.BotConfig

const (
	// DefaultConnectTimeout bounds each handshake, including reconnects.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultFrameDuration is the capture frame length handed to the VAD.
	DefaultFrameDuration = 20 * time.Millisecond
)

// DefaultFormat is the PCM format exchanged with the backend.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithVAD sets the VAD engine and its thresholds. SampleRate and FrameSizeMs
// are always derived from the capture format. Defaults to the energy engine.
func WithVAD(e vad.Engine, cfg vad.Config) Option {
	return func(c *Controller) {
		if e != nil {
			c.vadEngine = e
		}
		c.vadCfg = cfg
	}
}

// WithPushToTalkKey binds push-to-talk to a key while the controller is
// connected and in push-to-talk mode.
func WithPushToTalkKey(m *hotkey.Manager) Option {
	return func(c *Controller) { c.ptt = m }
}

// WithPushToTalk selects the initial input mode.
func WithPushToTalk(on bool) Option {
	return func(c *Controller) { c.pushToTalk = on }
}

// WithAudioFormat sets the capture and backend PCM format.
func WithAudioFormat(f audio.Format) Option {
	return func(c *Controller) {
		if f.SampleRate > 0 && f.Channels > 0 {
			c.format = f
		}
	}
}

// WithOutputFormat sets the speaker format when it differs from the backend
// format. Reply audio is converted before it is written.
func WithOutputFormat(f audio.Format) Option {
	return func(c *Controller) {
		if f.SampleRate > 0 && f.Channels > 0 {
			c.outFormat = f
		}
	}
}

// WithFrameDuration sets the capture frame length.
func WithFrameDuration(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithConnectTimeout bounds the backend handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReconnect sets the retry budget and backoff curve used after a
// transport drop. Zero values keep the reconnector defaults.
func WithReconnect(maxRetries int, backoff, maxBackoff time.Duration) Option {
	return func(c *Controller) {
		c.maxRetries = maxRetries
		c.backoff = backoff
		c.maxBackoff = maxBackoff
	}
}

// WithPlaybackLead paces reply audio to at most d ahead of real time so an
// interrupt can still discard the rest. Zero disables pacing.
func WithPlaybackLead(d time.Duration) Option {
	return func(c *Controller) { c.playbackLead = d }
}

// WithVoicedLevel sets the level a gated utterance must reach at least once
// to be committed for transcription.
func WithVoicedLevel(level float64) Option {
	return func(c *Controller) { c.machineCfg.voicedLevel = level }
}

// WithPrerollFrames sets how many frames before a VAD trigger are sent.
func WithPrerollFrames(n int) Option {
	return func(c *Controller) { c.machineCfg.prerollFrames = n }
}

// WithOutboxFrames bounds the audio backlog queued for the backend.
func WithOutboxFrames(n int) Option {
	return func(c *Controller) { c.outboxFrames = n }
}

// WithIDGenerator replaces the transcript entry id generator. For tests.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.machineCfg.newID = fn
		}
	}
}

// Controller runs voice calls against a backend. At most one call is active
// at a time. All methods are safe for concurrent use.
type Controller struct {
	provider voice.Provider
	capture  audio.Capture
	output   audio.Output

	vadEngine vad.Engine
	vadCfg    vad.Config
	ptt       *hotkey.Manager

	format         audio.Format
	outFormat      audio.Format
	frameDur       time.Duration
	connectTimeout time.Duration
	maxRetries     int
	backoff        time.Duration
	maxBackoff     time.Duration
	playbackLead   time.Duration
	outboxFrames   int
	pushToTalk     bool
	machineCfg     machineConfig

	log     *slog.Logger
	metrics *observe.Metrics

	// connectMu serialises Connect calls.
	connectMu sync.Mutex

	mu          sync.Mutex
	m           *machine
	call        *call
	subs        map[int]chan View
	nextSub     int
	interruptAt time.Time

	// wg tracks asynchronous call teardowns.
	wg sync.WaitGroup

	// afterDispatch, when set, observes every applied event. Tests use it to
	// wait for the capture goroutine.
	afterDispatch func(event)
}

// New creates a controller. provider, capture and output are required.
func New(provider voice.Provider, capture audio.Capture, output audio.Output, opts ...Option) *Controller {
	c := &Controller{
		provider:       provider,
		capture:        capture,
		output:         output,
		vadEngine:      energy.New(),
		format:         DefaultFormat,
		frameDur:       DefaultFrameDuration,
		connectTimeout: DefaultConnectTimeout,
		playbackLead:   playback.DefaultLead,
		machineCfg: machineConfig{
			voicedLevel:   DefaultVoicedLevel,
			prerollFrames: DefaultPrerollFrames,
			newID:         uuid.NewString,
		},
		log:  slog.Default(),
		subs: make(map[int]chan View),
	}
	for _, o := range opts {
		o(c)
	}
	c.m = newMachine(c.machineCfg)
	c.m.ptt = c.pushToTalk
	if c.outFormat == (audio.Format{}) {
		c.outFormat = c.format
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// ── Call ─────────────────────────────────────────────────────────────────────

// call holds the resources of one connected session. Resources are attached
// as they are opened; once torn down, late attachments are released
// immediately.
type call struct {
	ctx    context.Context
	cancel context.CancelFunc

	botID  string
	chatID *string
	cfg    SessionConfig

	meter    *audio.LevelMeter
	out      *outbox
	vadReset atomic.Bool

	mu     sync.Mutex
	torn   bool
	stream audio.CaptureStream
	vad    vad.SessionHandle
	sink   audio.Sink
	player *playback.Player
	rc     *session.Reconnector[voice.SessionHandle]
	sess   voice.SessionHandle

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// hold runs assign under the call lock unless the call was torn down, in
// which case release runs and ErrDisconnected is returned.
func (cl *call) hold(assign func(), release func() error) error {
	cl.mu.Lock()
	if cl.torn {
		cl.mu.Unlock()
		_ = release()
		return ErrDisconnected
	}
	assign()
	cl.mu.Unlock()
	return nil
}

// spawn starts fn as a call goroutine unless the call was torn down.
func (cl *call) spawn(fn func()) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.torn {
		return false
	}
	cl.wg.Add(1)
	go func() {
		defer cl.wg.Done()
		fn()
	}()
	return true
}

func (cl *call) currentPlayer() *playback.Player {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.player
}

func (cl *call) currentSession() voice.SessionHandle {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.sess
}

// teardown releases every resource and waits for the call goroutines.
// Idempotent. Must not be called with the controller lock held.
func (cl *call) teardown() {
	cl.closeOnce.Do(func() {
		cl.mu.Lock()
		cl.torn = true
		stream, vs, sink, player, rc, sess := cl.stream, cl.vad, cl.sink, cl.player, cl.rc, cl.sess
		cl.sess = nil
		cl.mu.Unlock()

		cl.cancel()
		if rc != nil {
			_ = rc.Stop()
		}
		if sess != nil {
			_ = sess.Close()
		}
		if stream != nil {
			_ = stream.Close()
		}
		if player != nil {
			_ = player.Close()
		}
		if sink != nil {
			_ = sink.Close()
		}
		cl.wg.Wait()
		// The VAD session belongs to the capture goroutine.
		if vs != nil {
			_ = vs.Close()
		}
	})
}

// ── Operations ───────────────────────────────────────────────────────────────

// Connect starts a call for botID. chatID may be nil for a call not bound to
// a chat. A Connect while another call is active disconnects it first.
//
// Connect blocks until the previous call is torn down, the microphone is
// acquired and the backend acknowledged the session, or the connect timeout
// expires.
func (c *Controller) Connect(ctx context.Context, botID string, chatID *string, cfg *SessionConfig) error {
	if botID == "" {
		return ErrMissingBotID
	}
	if cfg == nil {
		return ErrMissingConfig
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	// The previous call must release the microphone and output before they
	// are opened again.
	c.Disconnect()
	c.wg.Wait()

	ctx, span := observe.StartSpan(ctx, "voice.connect",
		trace.WithAttributes(attribute.String("bot_id", botID)))
	defer span.End()
	start := time.Now()

	callCtx, cancel := context.WithCancel(context.Background())
	cl := &call{
		ctx:    callCtx,
		cancel: cancel,
		botID:  botID,
		chatID: chatID,
		cfg:    cloneConfig(*cfg),
		meter:  audio.NewLevelMeter(audio.DefaultAttack, audio.DefaultRelease),
		out:    newOutbox(c.outboxFrames),
	}

	c.mu.Lock()
	c.call = cl
	c.mu.Unlock()
	c.dispatch(cl, evConnectStarted{})

	err := c.open(ctx, cl)
	if err != nil {
		kind := classifyConnectError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordConnect(ctx, time.Since(start), string(kind))
		observe.Logger(ctx).Warn("voice connect failed", "bot_id", botID, "kind", string(kind), "err", err)
		if !errors.Is(err, ErrDisconnected) {
			c.dispatch(cl, evConnectFailed{err: err})
		}
		return fmt.Errorf("voice: connect: %w", err)
	}

	c.metrics.RecordConnect(ctx, time.Since(start), "ok")
	observe.Logger(ctx).Info("voice session connected",
		"bot_id", botID,
		"session_id", cl.currentSession().SessionID(),
		"duration", time.Since(start),
	)
	return nil
}

// open acquires the call's resources in order and dials the backend.
func (c *Controller) open(ctx context.Context, cl *call) error {
	opCtx, stop := context.WithCancel(ctx)
	defer stop()
	unwatch := context.AfterFunc(cl.ctx, stop)
	defer unwatch()

	stream, err := c.capture.Open(opCtx, c.format)
	if err != nil {
		if cl.ctx.Err() != nil {
			return ErrDisconnected
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
	}
	if err := cl.hold(func() { cl.stream = stream }, stream.Close); err != nil {
		return err
	}

	vs, err := c.vadEngine.NewSession(c.vadConfig())
	if err != nil {
		return fmt.Errorf("voice: vad session: %w", err)
	}
	if err := cl.hold(func() { cl.vad = vs }, vs.Close); err != nil {
		return err
	}

	sink, outErr := c.output.Open(opCtx, c.outFormat)
	if outErr != nil {
		c.log.Warn("output device unavailable, reply audio is discarded", "err", outErr)
		sink = discardSink{}
	}
	player := playback.New(sink, c.playerOptions(cl)...)
	err = cl.hold(func() {
		cl.sink = sink
		cl.player = player
	}, func() error {
		_ = player.Close()
		return sink.Close()
	})
	if err != nil {
		return err
	}

	rc := session.New(session.Config[voice.SessionHandle]{
		Dial: func(ctx context.Context, attempt int) (voice.SessionHandle, error) {
			return c.dial(ctx, cl, attempt)
		},
		MaxRetries: c.maxRetries,
		Backoff:    c.backoff,
		MaxBackoff: c.maxBackoff,
		OnAttempt: func(attempt int) {
			c.metrics.RecordReconnect(cl.ctx, "attempt")
			c.dispatch(cl, evReconnecting{attempt: attempt})
		},
		OnReconnect: func(h voice.SessionHandle, attempt int) {
			c.metrics.RecordReconnect(cl.ctx, "success")
			c.log.Info("backend session resumed", "session_id", h.SessionID(), "attempt", attempt)
			if c.attach(cl, h) {
				c.dispatch(cl, evReconnected{sessionID: h.SessionID()})
			}
		},
		OnGiveUp: func(err error) {
			c.metrics.RecordReconnect(cl.ctx, "exhausted")
			c.dispatch(cl, evReconnectExhausted{err: fmt.Errorf("%w: %w", ErrReconnectExhausted, err)})
		},
		Logger: c.log,
	})
	if err := cl.hold(func() { cl.rc = rc }, rc.Stop); err != nil {
		return err
	}

	h, err := rc.Connect(opCtx)
	if err != nil {
		if cl.ctx.Err() != nil {
			return ErrDisconnected
		}
		return err
	}
	if !c.attach(cl, h) {
		return ErrDisconnected
	}
	if !cl.spawn(func() { c.capturePump(cl) }) || !cl.spawn(func() { c.writer(cl) }) {
		return ErrDisconnected
	}

	c.dispatch(cl, evConnected{sessionID: h.SessionID()})
	if outErr != nil {
		c.dispatch(cl, evPlaybackError{err: fmt.Errorf("voice: open output: %w", outErr)})
	}
	rc.Monitor(cl.ctx)
	return nil
}

// dial opens one backend session. Reconnects resume with the number of
// transcript entries already held.
func (c *Controller) dial(ctx context.Context, cl *call, attempt int) (voice.SessionHandle, error) {
	req := voice.InitRequest{
		BotID:  cl.botID,
		ChatID: cl.chatID,
		Config: cl.cfg,
		Audio:  voice.AudioFormat{SampleRate: c.format.SampleRate, Channels: c.format.Channels},
		Resume: attempt > 0,
	}
	if req.Resume {
		c.mu.Lock()
		req.TranscriptCount = c.m.asm.count()
		c.mu.Unlock()
	}

	dctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	h, err := c.provider.Connect(dctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %w", ErrConnectTimeout, c.connectTimeout, err)
		}
		return nil, err
	}
	return h, nil
}

// attach makes h the call's session and starts its reader.
func (c *Controller) attach(cl *call, h voice.SessionHandle) bool {
	if err := cl.hold(func() { cl.sess = h }, h.Close); err != nil {
		return false
	}
	return cl.spawn(func() { c.reader(cl, h) })
}

func (c *Controller) playerOptions(cl *call) []playback.Option {
	opts := []playback.Option{
		playback.WithConverter(c.format, c.outFormat),
		playback.OnTurnDone(func(turnID string) { c.dispatch(cl, evPlaybackDone{turnID: turnID}) }),
		playback.OnError(func(err error) { c.dispatch(cl, evPlaybackError{err: err}) }),
		playback.OnStopped(func() { c.dispatch(cl, evPlaybackStopped{}) }),
	}
	if c.playbackLead > 0 {
		opts = append(opts, playback.WithPacing(c.outFormat, c.playbackLead))
	}
	return opts
}

func (c *Controller) vadConfig() vad.Config {
	c.mu.Lock()
	cfg := c.vadCfg
	c.mu.Unlock()
	cfg.SampleRate = c.format.SampleRate
	cfg.FrameSizeMs = int(c.frameDur / time.Millisecond)
	return cfg
}

// SetVADConfig replaces the detector thresholds. The active call keeps its
// detector; the new values apply from the next Connect.
func (c *Controller) SetVADConfig(cfg vad.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vadCfg = cfg
}

// Disconnect ends the current call. It is idempotent and returns once the
// state is reset; device and transport teardown finishes in the background.
func (c *Controller) Disconnect() {
	c.dispatch(nil, evDisconnect{})
}

// ToggleMute flips the microphone mute and returns the new value. Capture and
// level metering continue while muted.
func (c *Controller) ToggleMute() bool {
	c.dispatch(nil, evMuteToggled{})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.muted
}

// Interrupt stops the bot's current response: playback is silenced, the
// backend is told to stop generating and nothing more from that turn is
// shown or played.
func (c *Controller) Interrupt() {
	c.dispatch(nil, evInterrupt{})
}

// StartPTT opens the microphone in push-to-talk mode. No-op when already
// holding, when disconnected or in VAD mode.
func (c *Controller) StartPTT() {
	c.dispatch(nil, evPTTStart{})
}

// StopPTT closes the push-to-talk gate. No-op when not holding.
func (c *Controller) StopPTT() {
	c.dispatch(nil, evPTTStop{})
}

// TogglePTTMode switches between VAD and push-to-talk and returns whether
// push-to-talk is now active. Any hold in progress is cancelled.
func (c *Controller) TogglePTTMode() bool {
	c.dispatch(nil, evPTTModeToggled{})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.ptt
}

// ClearTranscripts empties the transcript, including entries still in
// progress. Late events for cleared entries are ignored.
func (c *Controller) ClearTranscripts() {
	c.dispatch(nil, evClearTranscripts{})
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.view()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.state
}

// AudioLevel returns the smoothed microphone level in [0, 1].
func (c *Controller) AudioLevel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.level
}

// Subscribe returns a channel that receives the view after every change. The
// channel holds only the latest view; slow readers skip intermediate ones.
// It receives the current view immediately. Call the returned function to
// unsubscribe; the channel is then closed.
func (c *Controller) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.m.view()
	c.mu.Unlock()

	return ch, sync.OnceFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
		close(ch)
	})
}

// Close disconnects and waits until every call resource is released.
func (c *Controller) Close() error {
	c.Disconnect()
	c.wg.Wait()
	return nil
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

// dispatch applies ev to the machine. Events from a call that is no longer
// current are dropped; cl == nil targets whatever call is current.
func (c *Controller) dispatch(cl *call, ev event) {
	c.mu.Lock()
	if cl != nil && c.call != cl {
		c.mu.Unlock()
		return
	}
	cur := c.call
	out := c.m.dispatch(ev)
	torn := c.applyLocked(cur, out)
	if out.published {
		c.publishLocked(c.m.view())
	}
	var interruptDur time.Duration
	if out.interrupted {
		c.interruptAt = time.Now()
	}
	if out.stopped && !c.interruptAt.IsZero() {
		interruptDur = time.Since(c.interruptAt)
		c.interruptAt = time.Time{}
	}
	c.mu.Unlock()

	c.record(ev, out, interruptDur)
	if c.afterDispatch != nil {
		c.afterDispatch(ev)
	}

	if torn != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			torn.teardown()
		}()
	}
}

// applyLocked executes the effects of one dispatch. It returns the call to
// tear down, if any. Must be called with c.mu held.
func (c *Controller) applyLocked(cl *call, out outcome) (torn *call) {
	for _, e := range out.effects {
		switch e.kind {
		case effBindPTT:
			c.bindPTTLocked()
			continue
		case effUnbindPTT:
			if c.ptt != nil {
				c.ptt.Release()
			}
			continue
		case effTeardown:
			if c.call != nil {
				torn = c.call
				c.call = nil
			}
			continue
		}

		if cl == nil {
			continue
		}
		switch e.kind {
		case effSendAudio:
			cl.out.push(outMsg{kind: outAudio, data: e.data})
		case effCommitAudio:
			cl.out.push(outMsg{kind: outCommit})
		case effClearAudio:
			cl.out.push(outMsg{kind: outClear})
		case effSendInterrupt:
			cl.out.push(outMsg{kind: outInterrupt, turnID: e.turnID})
		case effPlayAudio:
			if p := cl.currentPlayer(); p != nil {
				p.Enqueue(e.turnID, e.data)
			}
		case effEndPlaybackTurn:
			p := cl.currentPlayer()
			if p == nil || !p.EndTurn(e.turnID) {
				// Nothing left to play; settle the turn on the next dispatch.
				go c.dispatch(cl, evPlaybackDone{turnID: e.turnID})
			}
		case effStopPlayback:
			if p := cl.currentPlayer(); p != nil {
				p.Interrupt()
			}
		case effResetVAD:
			cl.vadReset.Store(true)
		}
	}
	return torn
}

func (c *Controller) bindPTTLocked() {
	if c.ptt == nil {
		return
	}
	if err := c.ptt.Acquire(c.StartPTT, c.StopPTT); err != nil {
		c.log.Warn("push-to-talk key unavailable", "key", string(c.ptt.Key()), "err", err)
	}
}

// publishLocked hands v to every subscriber, replacing any unread view.
func (c *Controller) publishLocked(v View) {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// record emits logs and metrics for one dispatch.
func (c *Controller) record(ev event, out outcome, interruptDur time.Duration) {
	ctx := context.Background()
	for _, tr := range out.transitions {
		from, to := tr[0], tr[1]
		c.metrics.RecordTransition(ctx, from.String(), to.String())
		c.log.Debug("voice state", "from", from.String(), "to", to.String(), "event", ev.eventName())
		switch {
		case from == StateDisconnected:
			c.metrics.ActiveSessions.Add(ctx, 1)
		case to == StateDisconnected:
			c.metrics.ActiveSessions.Add(ctx, -1)
		}
	}
	for _, e := range out.sealed {
		c.metrics.RecordTranscriptEntry(ctx, string(e.Role))
		c.log.Debug("transcript entry", "role", string(e.Role), "id", e.ID)
	}
	if be, ok := ev.(evBackend); ok && be.ev.Type == voice.EventToolStarted {
		c.metrics.RecordToolCall(ctx, be.ev.Tool, "started")
	}
	for _, td := range out.toolsDone {
		c.metrics.RecordToolCall(ctx, td.tool, "finished")
		c.log.Debug("tool call finished", "tool", td.tool, "duration", td.duration)
	}
	if e := out.backendErr; e != nil {
		c.metrics.RecordBackendError(ctx, e.Code, e.Fatal)
		if e.Fatal {
			c.log.Error("backend error ended the session", "code", e.Code, "err", e)
		} else {
			c.log.Warn("backend error", "code", e.Code, "err", e)
		}
	}
	if out.playbackErr != nil {
		c.metrics.RecordPlaybackError(ctx)
		c.log.Warn("playback failed", "err", out.playbackErr)
	}
	if out.interrupted {
		c.log.Debug("bot turn interrupted", "event", ev.eventName())
	}
	if interruptDur > 0 {
		c.metrics.RecordInterrupt(ctx, interruptDur)
	}
}

// ── Goroutines ───────────────────────────────────────────────────────────────

// capturePump meters and classifies every captured frame and feeds it to the
// machine. It ends with the capture stream.
func (c *Controller) capturePump(cl *call) {
	cl.mu.Lock()
	stream, vs := cl.stream, cl.vad
	cl.mu.Unlock()

	vadFailed := false
	for frame := range stream.Frames() {
		if cl.vadReset.Swap(false) {
			vs.Reset()
		}
		level := cl.meter.Update(frame.Data)
		speech := false
		ev, err := vs.ProcessFrame(frame.Data)
		switch {
		case err != nil:
			if !vadFailed {
				c.log.Warn("vad rejected frame, treating as silence", "bytes", len(frame.Data), "err", err)
				vadFailed = true
			}
		default:
			speech = ev.Type == vad.VADSpeechStart || ev.Type == vad.VADSpeechContinue
		}
		c.dispatch(cl, evFrame{data: frame.Data, level: level, speech: speech})
	}

	if err := stream.Err(); err != nil && cl.ctx.Err() == nil {
		c.log.Error("microphone stream failed", "err", err)
		c.dispatch(cl, evDisconnect{err: &SessionError{
			Kind:  KindMicrophoneDenied,
			Fatal: true,
			Err:   fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err),
		}})
	}
}

// reader forwards the events of h in arrival order. When h ends while still
// the call's session the transport is considered dropped.
func (c *Controller) reader(cl *call, h voice.SessionHandle) {
	for ev := range h.Events() {
		c.dispatch(cl, evBackend{ev: ev})
	}
	if cl.ctx.Err() != nil {
		return
	}

	cl.mu.Lock()
	current := cl.sess == h
	if current {
		cl.sess = nil
	}
	rc := cl.rc
	cl.mu.Unlock()
	if !current {
		return
	}

	err := ErrTransportDropped
	if cause := h.Err(); cause != nil {
		err = fmt.Errorf("%w: %w", ErrTransportDropped, cause)
	}
	c.log.Warn("backend transport dropped", "session_id", h.SessionID(), "err", err)

	cl.out.reset()
	c.dispatch(cl, evTransportDropped{err: err})
	_ = h.Close()
	rc.NotifyDisconnect()
}

// writer drains the outbox onto the current session.
func (c *Controller) writer(cl *call) {
	for {
		select {
		case <-cl.ctx.Done():
			return
		case <-cl.out.notify:
		}

		msgs, dropped := cl.out.take()
		c.metrics.RecordDroppedFrames(cl.ctx, dropped)
		h := cl.currentSession()
		if h == nil {
			continue
		}
		for _, msg := range msgs {
			if err := send(h, msg); err != nil {
				// The reader notices a dead transport; the rest of the
				// batch is lost with it.
				c.log.Debug("backend write failed", "err", err)
				break
			}
		}
	}
}

func send(h voice.SessionHandle, msg outMsg) error {
	switch msg.kind {
	case outAudio:
		return h.SendAudio(msg.data)
	case outCommit:
		return h.CommitAudio()
	case outClear:
		return h.ClearAudio()
	case outInterrupt:
		return h.Interrupt(msg.turnID)
	}
	return nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func cloneConfig(cfg SessionConfig) SessionConfig {
	cfg.Models = maps.Clone(cfg.Models)
	cfg.Capabilities = slices.Clone(cfg.Capabilities)
	cfg.ToolConfigs = maps.Clone(cfg.ToolConfigs)
	return cfg
}

// discardSink stands in for an output device that failed to open.
type discardSink struct{}

func (discardSink) Write([]byte) error { return nil }
func (discardSink) Flush() error       { return nil }
func (discardSink) Close() error       { return nil }
