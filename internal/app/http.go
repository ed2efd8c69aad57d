package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/hearken/internal/bridge"
	"github.com/MrWong99/hearken/internal/health"
	"github.com/MrWong99/hearken/internal/observe"
	"github.com/MrWong99/hearken/internal/wakeword"
)

// Status is the runtime snapshot served on /status.
type Status struct {
	Session      SessionState    `json:"session"`
	WakeWord     string          `json:"wake_word"`
	Threshold    float64         `json:"threshold"`
	RunID        string          `json:"run_id,omitempty"`
	PlaybackRate int             `json:"playback_rate"`
	Recording    bool            `json:"recording"`
	CaptureError string          `json:"capture_error,omitempty"`
	CaptureGaps  int64           `json:"capture_gaps"`
	Pipeline     wakeword.Stats  `json:"pipeline"`
	Bridge       bridge.Snapshot `json:"bridge"`
}

// Status returns the current runtime snapshot.
func (a *App) Status() Status {
	s := Status{
		Session:      a.State(),
		WakeWord:     a.trigger.WakeWord(),
		Threshold:    a.windower.Threshold(),
		RunID:        a.trigger.RunID(),
		PlaybackRate: a.scheduler.Rate(),
		Recording:    a.recorder.Recording(),
		CaptureGaps:  a.captureGaps.Load(),
		Pipeline:     a.pipeline.Stats(),
		Bridge:       a.bridge.Snapshot(),
	}
	a.mu.Lock()
	if a.captureErr != nil {
		s.CaptureError = a.captureErr.Error()
	}
	a.mu.Unlock()
	return s
}

// Checkers returns the readiness checks: the bridge must be usable and the
// microphone must be capturing.
func (a *App) Checkers() []health.Checker {
	return []health.Checker{
		{
			Name: "bridge",
			Check: func(context.Context) error {
				if a.bridge.Ready() {
					return nil
				}
				snap := a.bridge.Snapshot()
				if snap.LastError != "" {
					return fmt.Errorf("%s: %s", snap.State, snap.LastError)
				}
				return errors.New(snap.State)
			},
		},
		{
			Name: "capture",
			Check: func(context.Context) error {
				a.mu.Lock()
				defer a.mu.Unlock()
				switch {
				case !a.active:
					return ErrNotActive
				case a.captureErr != nil:
					return a.captureErr
				}
				return nil
			},
		},
	}
}

// Handler returns the HTTP surface: health probes, /status, /metrics and the
// control endpoints POST /wake, /stop, /activate, /deactivate and /refresh.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.Checkers()...).WithStatus(func() any { return a.Status() }).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /wake", func(w http.ResponseWriter, r *http.Request) {
		started, err := a.Wake(r.Context())
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"started": started, "run_id": a.trigger.RunID()})
	})
	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"stopped": a.Stop(r.Context())})
	})
	mux.HandleFunc("POST /activate", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Activate(r.Context()); err != nil {
			observe.Logger(r.Context()).Error("activate failed", "err", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": a.State()})
	})
	mux.HandleFunc("POST /deactivate", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Deactivate(); err != nil {
			observe.Logger(r.Context()).Warn("deactivate", "err", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": a.State()})
	})
	mux.HandleFunc("POST /refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := a.bridge.RequestStatus(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"requested": true})
	})

	return observe.Middleware(a.metrics)(mux)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response", "err", err)
	}
}
