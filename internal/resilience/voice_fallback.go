package resilience

import (
	"context"

	"github.com/MrWong99/botcall/pkg/provider/voice"
)

// VoiceFallback implements [voice.Provider] with automatic failover across
// backend endpoints. Each endpoint has its own circuit breaker; when the
// primary fails to complete the handshake or its breaker is open, the next
// healthy endpoint is dialled.
//
// Only the handshake is covered. Once a session is established, a drop is the
// reconnector's concern, and its next dial goes through the group again.
type VoiceFallback struct {
	group *FallbackGroup[voice.Provider]
}

// Compile-time interface assertion.
var _ voice.Provider = (*VoiceFallback)(nil)

// NewVoiceFallback creates a [VoiceFallback] with primary as the preferred
// endpoint.
func NewVoiceFallback(primary voice.Provider, primaryName string, cfg FallbackConfig) *VoiceFallback {
	return &VoiceFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional endpoint.
func (f *VoiceFallback) AddFallback(name string, provider voice.Provider) {
	f.group.AddFallback(name, provider)
}

// Connect opens a session on the first healthy endpoint.
func (f *VoiceFallback) Connect(ctx context.Context, req voice.InitRequest) (voice.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p voice.Provider) (voice.SessionHandle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Connect(ctx, req)
	})
}

// Endpoints returns the breaker state of every endpoint keyed by name.
func (f *VoiceFallback) Endpoints() map[string]State {
	return f.group.States()
}
