package webrtc_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/botcall/pkg/provider/vad"
	"github.com/MrWong99/botcall/pkg/provider/vad/webrtc"
)

func TestEngine_ValidatesDetectorConstraints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"unsupported rate", vad.Config{SampleRate: 22050, FrameSizeMs: 20}},
		{"unsupported frame", vad.Config{SampleRate: 16000, FrameSizeMs: 25}},
		{"mode out of range", vad.Config{SampleRate: 16000, FrameSizeMs: 20, Mode: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := webrtc.New().NewSession(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSession_SilenceStaysSilent(t *testing.T) {
	t.Parallel()

	sess, err := webrtc.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, HangoverMs: 200})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	frame := make([]byte, 640)
	for i := range 10 {
		ev, err := sess.ProcessFrame(frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != vad.VADSilence {
			t.Fatalf("frame %d: got %v, want silence", i, ev.Type)
		}
	}

	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}

	_ = sess.Close()
	if _, err := sess.ProcessFrame(frame); !errors.Is(err, webrtc.ErrSessionClosed) {
		t.Errorf("after Close: %v, want ErrSessionClosed", err)
	}
}
