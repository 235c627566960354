package api

import (
	"net/http"

	"delegate-server/internal/domain"
)

type jobCountResponse struct {
	ServerID string `json:"serverId"`
	State    string `json:"state"`
	Count    int64  `json:"count"`
}

// CountJobs handles GET /admin/jobs/count?state=&serverId=. The server id
// defaults to this server.
func (h *Handler) CountJobs(w http.ResponseWriter, r *http.Request) {
	state, err := domain.ParseJobState(r.URL.Query().Get("state"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	serverID := r.URL.Query().Get("serverId")
	if serverID == "" {
		serverID = h.jobs.ServerID()
	}
	n, err := h.jobs.CountJobsInState(r.Context(), serverID, state)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobCountResponse{ServerID: serverID, State: string(state), Count: n})
}
