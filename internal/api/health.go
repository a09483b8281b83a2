package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the API cannot serve without.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Probe adapts a function to HealthProbe.
func Probe(name string, check func(ctx context.Context) error) HealthProbe {
	return funcProbe{name: name, check: check}
}

type funcProbe struct {
	name  string
	check func(ctx context.Context) error
}

func (p funcProbe) Name() string                    { return p.name }
func (p funcProbe) Check(ctx context.Context) error { return p.check(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a shared 2s deadline.
// It answers 200 when all of them pass and 503 otherwise; a probe that has
// not answered by the deadline counts as failed.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type result struct {
		idx int
		err error
	}
	results := make(chan result, len(probes))
	for i, probe := range probes {
		go func() {
			var err error
			defer func() {
				if rvr := recover(); rvr != nil {
					err = fmt.Errorf("probe panicked: %v", rvr)
				}
				results <- result{idx: i, err: err}
			}()
			err = probe.Check(ctx)
		}()
	}

	errs := make([]error, len(probes))
	done := make([]bool, len(probes))
collect:
	for range probes {
		select {
		case res := <-results:
			errs[res.idx] = res.err
			done[res.idx] = true
		case <-ctx.Done():
			break collect
		}
	}

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(probes))}
	status := http.StatusOK
	for i, probe := range probes {
		c := componentStatus{Status: "healthy"}
		switch {
		case !done[i]:
			c = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case errs[i] != nil:
			c = componentStatus{Status: "unhealthy", Message: errs[i].Error()}
		}
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		resp.Components[probe.Name()] = c
	}
	JSON(w, r, status, resp)
}
