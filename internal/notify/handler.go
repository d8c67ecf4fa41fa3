package notify

import (
	"net/http"

	"github.com/awarelab/awarelab/internal/auth"
	"github.com/awarelab/awarelab/internal/httputil"
)

type noticesResponse struct {
	Notices []Notice `json:"notices"`
}

// HandleDrain serves GET /api/notifications.
func (b *Inbox) HandleDrain(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	httputil.WriteJSON(w, http.StatusOK, noticesResponse{Notices: b.Drain(userID)})
}
