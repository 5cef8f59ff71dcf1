package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// handleRefresh asks the scheduler for an immediate refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.refresher == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("refresh scheduler is not running"))
		return
	}
	res := s.limiter.Reserve()
	if wait := res.Delay(); wait > 0 {
		res.Cancel()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		writeErr(w, http.StatusTooManyRequests, fmt.Errorf("too many refresh requests"))
		return
	}
	if !s.refresher.TriggerRefresh() {
		writeErr(w, http.StatusConflict, fmt.Errorf("a refresh is already running"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

// writeUnavailable answers 503 with a Retry-After hint.
func writeUnavailable(w http.ResponseWriter, retryAfter int, msg string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	http.Error(w, msg, http.StatusServiceUnavailable)
}
