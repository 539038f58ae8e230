package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/botcall/internal/health"
	"github.com/MrWong99/botcall/internal/observe"
	"github.com/MrWong99/botcall/internal/resilience"
	"github.com/MrWong99/botcall/internal/voice"
)

// endpointReporter is implemented by backends that fail over between
// endpoints, such as [resilience.VoiceFallback].
type endpointReporter interface {
	Endpoints() map[string]resilience.State
}

// Handler returns the status server routes: /healthz, /readyz, /metrics and
// /state, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	checkers := []health.Checker{{Name: "voice", Check: a.checkVoice}}
	if r, ok := a.providers.Backend.(endpointReporter); ok {
		checkers = append(checkers, health.Checker{
			Name:  "backend",
			Check: func(context.Context) error { return checkEndpoints(r.Endpoints()) },
		})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /state", a.serveState)
	return observe.Middleware(a.metrics)(mux)
}

// checkVoice fails while the call is down because of an error.
func (a *App) checkVoice(context.Context) error {
	v := a.ctrl.Snapshot()
	if v.State == voice.StateDisconnected && v.Error != nil {
		return v.Error
	}
	return nil
}

// checkEndpoints fails when every backend endpoint has an open circuit.
func checkEndpoints(states map[string]resilience.State) error {
	for _, s := range states {
		if s != resilience.StateOpen {
			return nil
		}
	}
	if len(states) == 0 {
		return nil
	}
	return fmt.Errorf("all %d backend endpoints are open: %w", len(states), resilience.ErrCircuitOpen)
}

// serveState writes the current view as JSON.
func (a *App) serveState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.ctrl.Snapshot()); err != nil {
		a.log.Warn("encode state", "err", err)
	}
}
