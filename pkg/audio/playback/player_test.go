package playback_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/botcall/pkg/audio"
	"github.com/MrWong99/botcall/pkg/audio/mock"
	"github.com/MrWong99/botcall/pkg/audio/playback"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// doneRecorder collects turn-done callbacks.
type doneRecorder struct {
	mu    sync.Mutex
	turns []string
}

func (r *doneRecorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, id)
}

func (r *doneRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.turns...)
}

func TestPlayer_PlaysTurnsInOrder(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	rec := &doneRecorder{}
	p := playback.New(sink, playback.OnTurnDone(rec.record))
	defer p.Close()

	p.Enqueue("t1", []byte{1, 1})
	p.Enqueue("t1", []byte{2, 2})
	p.Enqueue("t2", []byte{3, 3})
	p.EndTurn("t1")
	p.EndTurn("t2")

	waitFor(t, func() bool { return len(rec.get()) == 2 })

	if got := rec.get(); got[0] != "t1" || got[1] != "t2" {
		t.Errorf("turn order = %v, want [t1 t2]", got)
	}
	if sink.WriteCount() != 3 {
		t.Fatalf("writes = %d, want 3", sink.WriteCount())
	}
	for i, want := range []byte{1, 2, 3} {
		if sink.Writes[i][0] != want {
			t.Errorf("write %d = %v, want first byte %d", i, sink.Writes[i], want)
		}
	}
	if p.Busy() {
		t.Error("Busy() = true after all turns finished")
	}
}

func TestPlayer_TurnDoneWaitsForEndTurn(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	rec := &doneRecorder{}
	p := playback.New(sink, playback.OnTurnDone(rec.record))
	defer p.Close()

	p.Enqueue("t1", []byte{1, 1})
	waitFor(t, func() bool { return sink.WriteCount() == 1 })

	time.Sleep(20 * time.Millisecond)
	if len(rec.get()) != 0 {
		t.Fatal("turn reported done before EndTurn")
	}

	// More audio can still arrive for the open turn.
	p.Enqueue("t1", []byte{2, 2})
	if !p.EndTurn("t1") {
		t.Fatal("EndTurn returned false for a turn with audio")
	}
	waitFor(t, func() bool { return len(rec.get()) == 1 })
	if sink.WriteCount() != 2 {
		t.Errorf("writes = %d, want 2", sink.WriteCount())
	}
}

func TestPlayer_EndTurnWithoutAudio(t *testing.T) {
	t.Parallel()

	p := playback.New(&mock.Sink{})
	defer p.Close()

	if p.EndTurn("text-only") {
		t.Error("EndTurn returned true for a turn with no audio")
	}
}

func TestPlayer_InterruptDiscardsAndFlushes(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	sink := &mock.Sink{}
	sink.OnWrite = func([]byte) {
		// Block the first write so the rest of the turn stays queued.
		once.Do(func() { <-release })
	}

	rec := &doneRecorder{}
	var stopped atomic.Int32
	p := playback.New(sink,
		playback.OnTurnDone(rec.record),
		playback.OnStopped(func() { stopped.Add(1) }),
	)
	defer p.Close()

	p.Enqueue("t1", []byte{1, 1})
	p.Enqueue("t1", []byte{2, 2})
	p.Enqueue("t1", []byte{3, 3})
	p.Enqueue("t2", []byte{4, 4})
	p.EndTurn("t1")

	waitFor(t, func() bool { return sink.WriteCount() == 1 })

	dropped := p.Interrupt()
	if dropped != 3 {
		t.Errorf("Interrupt dropped %d chunks, want 3", dropped)
	}
	close(release)

	waitFor(t, func() bool { return stopped.Load() == 1 })

	if sink.FlushCount() != 1 {
		t.Errorf("flushes = %d, want 1", sink.FlushCount())
	}
	time.Sleep(20 * time.Millisecond)
	if sink.WriteCount() != 1 {
		t.Errorf("writes after interrupt = %d, want 1", sink.WriteCount())
	}
	if len(rec.get()) != 0 {
		t.Errorf("interrupted turn reported done: %v", rec.get())
	}
	if p.Busy() {
		t.Error("Busy() = true after interrupt")
	}

	// The player keeps working for later turns.
	p.Enqueue("t3", []byte{5, 5})
	p.EndTurn("t3")
	waitFor(t, func() bool { return len(rec.get()) == 1 })
	if got := rec.get()[0]; got != "t3" {
		t.Errorf("done turn = %q, want t3", got)
	}
}

func TestPlayer_WriteErrorIsReportedAndPlaybackContinues(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{WriteError: errors.New("device gone")}
	var errs atomic.Int32
	rec := &doneRecorder{}
	p := playback.New(sink,
		playback.OnError(func(error) { errs.Add(1) }),
		playback.OnTurnDone(rec.record),
	)
	defer p.Close()

	p.Enqueue("t1", []byte{1, 1})
	p.Enqueue("t1", []byte{2, 2})
	p.EndTurn("t1")

	waitFor(t, func() bool { return len(rec.get()) == 1 })
	if errs.Load() != 2 {
		t.Errorf("errors reported = %d, want 2", errs.Load())
	}
}

func TestPlayer_PacingHoldsBackAudio(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 16000, Channels: 1}
	chunk := make([]byte, f.FrameBytes(50*time.Millisecond))

	sink := &mock.Sink{}
	p := playback.New(sink, playback.WithPacing(f, 0))
	defer p.Close()

	for range 10 {
		p.Enqueue("t1", chunk)
	}
	p.EndTurn("t1")

	// 500ms of audio cannot be fully written within 100ms when paced.
	time.Sleep(100 * time.Millisecond)
	if n := sink.WriteCount(); n >= 10 {
		t.Errorf("writes after 100ms = %d, want fewer than 10", n)
	}
	if dropped := p.Interrupt(); dropped == 0 {
		t.Error("Interrupt dropped nothing; pacing should have held audio back")
	}
}

func TestPlayer_ConverterResamples(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	rec := &doneRecorder{}
	p := playback.New(sink,
		playback.WithConverter(
			audio.Format{SampleRate: 24000, Channels: 1},
			audio.Format{SampleRate: 48000, Channels: 1},
		),
		playback.OnTurnDone(rec.record),
	)
	defer p.Close()

	p.Enqueue("t1", make([]byte, 480))
	p.EndTurn("t1")
	waitFor(t, func() bool { return len(rec.get()) == 1 })

	if got := len(sink.Writes[0]); got != 960 {
		t.Errorf("converted chunk = %d bytes, want 960", got)
	}
}

func TestPlayer_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := playback.New(&mock.Sink{})
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	p.Enqueue("t1", []byte{1, 1})
	if p.Busy() {
		t.Error("closed player accepted audio")
	}
}
