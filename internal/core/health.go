package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency that must work for the service to be
// healthy.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is implemented by stores that hold a connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger to a HealthProbe.
type PingProbe struct {
	Label  string
	Target Pinger
}

func (p PingProbe) Name() string                    { return p.Label }
func (p PingProbe) Check(ctx context.Context) error { return p.Target.Ping(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status          string                     `json:"status"`
	Sender          string                     `json:"sender"`
	SenderConnected bool                       `json:"sender_connected"`
	LastValue       *int64                     `json:"last_value"`
	Terminal        bool                       `json:"terminal"`
	Components      map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a short deadline and
// reports the sender session and last value alongside. Any failing or
// timed-out probe makes the response 503. A disconnected sender does not,
// since senders reconnect on demand.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	snap := s.detector.Latest()
	resp := healthResponse{
		Status:          "healthy",
		Sender:          string(s.detector.SenderKind()),
		SenderConnected: s.detector.SenderConnected(ctx),
		LastValue:       snap.State.LastValue,
		Terminal:        snap.Terminal,
	}

	if len(s.HealthProbes) > 0 {
		resp.Components = s.runProbes(ctx)
		for _, c := range resp.Components {
			if c.Status != "healthy" {
				resp.Status = "unhealthy"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

func (s *Server) runProbes(ctx context.Context) map[string]componentStatus {
	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.HealthProbes))
		wg      sync.WaitGroup
	)
	for _, probe := range s.HealthProbes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = p.Check(ctx)
			}()
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	components := make(map[string]componentStatus, len(s.HealthProbes))
	for _, probe := range s.HealthProbes {
		err, ok := results[probe.Name()]
		switch {
		case !ok:
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			// Check errors can carry DSNs or hostnames; they go to the log only.
			s.Logger.Warn("health check failed", "component", probe.Name(), "error", err)
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "check failed"}
		default:
			components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}
	return components
}
