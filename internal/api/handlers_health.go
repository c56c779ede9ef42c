package api

import (
	"net/http"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/monitor"
)

// healthStatus is the payload of GET /api/v1/health.
type healthStatus struct {
	monitor.HealthReport
	ActiveRuns     int            `json:"activeRuns"`
	WorkOrders     map[string]int `json:"workOrders"`
	BufferedEvents int            `json:"bufferedEvents"`
}

// handleHealth reports resource health plus queue and run counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := healthStatus{
		HealthReport: s.monitor.HealthReport(),
		ActiveRuns:   len(s.engine.ActiveRuns()),
		WorkOrders:   map[string]int{},
	}
	if s.hub != nil {
		st.BufferedEvents = s.hub.TotalBuffered()
	}
	if counts, err := s.store.CountByStatus(); err == nil {
		for status, n := range counts {
			st.WorkOrders[string(status)] = n
		}
	}
	writeData(w, http.StatusOK, st)
}

// handleReady reports whether the server should receive traffic: the
// store is reachable, the monitor is healthy, and the scheduler is
// still admitting work.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	storeUp := true
	if _, err := s.store.AllIDs(); err != nil {
		storeUp = false
	}
	monitorUp := s.monitor.HealthReport().Healthy
	draining := s.scheduler.Draining()

	if !storeUp || !monitorUp || draining {
		writeError(w, http.StatusServiceUnavailable,
			string(gateerrors.CodeSystemError), "not ready",
			map[string]any{"store": storeUp, "monitor": monitorUp, "draining": draining})
		return
	}
	writeData(w, http.StatusOK, map[string]any{"ready": true})
}

// handleLive reports process liveness.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"alive": true})
}
