package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/voyagen/guidevault/internal/store"
)

type statusResponse struct {
	Status         string         `json:"status"`
	ActiveProvider *providerInfo  `json:"activeProvider"`
	ActiveSnapshot *snapshotInfo  `json:"activeSnapshot"`
	LastRefresh    *fetchRunInfo  `json:"lastRefresh"`
	Refreshing     bool           `json:"refreshing"`
	Snapshots      []snapshotInfo `json:"snapshots"`
}

type providerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type snapshotInfo struct {
	ID           string    `json:"id"`
	ProfileID    string    `json:"profileId"`
	CreatedAt    time.Time `json:"createdAt"`
	ChannelCount int       `json:"channelCount"`
}

type fetchRunInfo struct {
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt"`
	ChannelCountSeen int        `json:"channelCountSeen"`
	ErrorSummary     string     `json:"errorSummary,omitempty"`
}

// handleStatus reports the active provider, the newest active snapshot and
// the provider's most recent fetch run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{Status: "no_active_snapshot", Snapshots: []snapshotInfo{}}
	if s.refresher != nil {
		resp.Refreshing = s.refresher.IsRefreshing()
	}

	snaps, err := s.store.ListActiveSnapshots(ctx)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	for _, sn := range snaps {
		resp.Snapshots = append(resp.Snapshots, snapshotInfo{
			ID:           sn.ID,
			ProfileID:    sn.ProfileID,
			CreatedAt:    sn.CreatedAt,
			ChannelCount: sn.ChannelCount,
		})
	}
	if len(resp.Snapshots) > 0 {
		resp.Status = "ok"
		resp.ActiveSnapshot = &resp.Snapshots[0]
	}

	provider, err := s.store.ActiveProvider(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err)
		return
	default:
		resp.ActiveProvider = &providerInfo{ID: provider.ID, Name: provider.Name}
		run, err := s.store.LatestFetchRun(ctx, provider.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			writeErr(w, http.StatusInternalServerError, err)
			return
		default:
			resp.LastRefresh = &fetchRunInfo{
				Status:           run.Status,
				StartedAt:        run.StartedAt,
				FinishedAt:       run.FinishedAt,
				ChannelCountSeen: run.ChannelCountSeen,
				ErrorSummary:     run.ErrorSummary,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
