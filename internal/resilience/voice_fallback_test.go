package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/botcall/pkg/provider/voice"
	voicemock "github.com/MrWong99/botcall/pkg/provider/voice/mock"
)

func TestVoiceFallback_Connect_PrimarySuccess(t *testing.T) {
	primary := &voicemock.Provider{}
	secondary := &voicemock.Provider{}

	fb := NewVoiceFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	h, err := fb.Connect(context.Background(), voice.InitRequest{BotID: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != primary.Last() {
		t.Error("expected the primary's session")
	}
	if primary.ConnectCount() != 1 || secondary.ConnectCount() != 0 {
		t.Fatalf("connect calls primary=%d secondary=%d, want 1/0", primary.ConnectCount(), secondary.ConnectCount())
	}
}

func TestVoiceFallback_Connect_Failover(t *testing.T) {
	primary := &voicemock.Provider{ConnectErr: errors.New("primary down")}
	secondary := &voicemock.Provider{}

	fb := NewVoiceFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	req := voice.InitRequest{BotID: "b", Resume: true, TranscriptCount: 3}
	if _, err := fb.Connect(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := secondary.Requests()
	if len(got) != 1 || !got[0].Resume || got[0].TranscriptCount != 3 {
		t.Errorf("secondary requests = %+v", got)
	}

	// The primary's breaker is now open and is skipped entirely.
	if _, err := fb.Connect(context.Background(), req); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if primary.ConnectCount() != 1 {
		t.Errorf("primary dialled %d times, want 1", primary.ConnectCount())
	}
	if st := fb.Endpoints()["primary"]; st != StateOpen {
		t.Errorf("primary state = %v, want open", st)
	}
}

func TestVoiceFallback_Connect_AllFail(t *testing.T) {
	primary := &voicemock.Provider{ConnectErr: errors.New("down")}
	secondary := &voicemock.Provider{ConnectErr: context.DeadlineExceeded}

	fb := NewVoiceFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Connect(context.Background(), voice.InitRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want the last error to stay inspectable", err)
	}
}

func TestVoiceFallback_Connect_CancelledStopsWalk(t *testing.T) {
	primary := &voicemock.Provider{}
	secondary := &voicemock.Provider{}
	fb := NewVoiceFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fb.Connect(ctx, voice.InitRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
	if secondary.ConnectCount() != 0 {
		t.Error("secondary must not be dialled after cancellation")
	}
	if st := fb.Endpoints()["primary"]; st != StateClosed {
		t.Errorf("primary state = %v; cancellation must not trip the breaker", st)
	}
}
