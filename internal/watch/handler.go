// Package watch exposes the embedded video players over HTTP. The browser
// owns the real widget; it reports every state change here and receives back
// the commands queued for the widget and the notices produced meanwhile.
package watch

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/awarelab/awarelab/internal/auth"
	"github.com/awarelab/awarelab/internal/catalog"
	"github.com/awarelab/awarelab/internal/httputil"
	"github.com/awarelab/awarelab/internal/notify"
	"github.com/awarelab/awarelab/internal/player"
	"github.com/awarelab/awarelab/internal/tracker"
	"github.com/awarelab/awarelab/internal/validate"
)

const (
	EventReady     = "ready"
	EventState     = "state"
	EventError     = "error"
	EventHeartbeat = "heartbeat"
)

// NotifierSource binds a tracker.Notifier to one user.
type NotifierSource interface {
	For(userID string) tracker.Notifier
}

type Handler struct {
	adapter *player.Adapter
	catalog *catalog.Catalog
	inbox   *notify.Inbox
	clock   clockwork.Clock
	sources []NotifierSource
	audit   *AuditLog
	geo     Locator
	origin  string
}

func NewHandler(adapter *player.Adapter, cat *catalog.Catalog, inbox *notify.Inbox, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{adapter: adapter, catalog: cat, inbox: inbox, clock: clock}
}

// SetNotifierSources sets who hears each session's verdicts, in order.
func (h *Handler) SetNotifierSources(sources ...NotifierSource) {
	h.sources = sources
}

func (h *Handler) SetAuditLog(a *AuditLog) {
	h.audit = a
}

func (h *Handler) SetLocator(l Locator) {
	h.geo = l
}

func (h *Handler) SetOrigin(origin string) {
	h.origin = origin
}

// containerKey scopes browser-chosen container ids to their user.
func containerKey(userID, containerID string) string {
	if containerID == "" {
		return ""
	}
	return userID + "/" + containerID
}

type createPlayerRequest struct {
	ContainerID  string  `json:"containerId"`
	VideoID      string  `json:"videoId"`
	ModuleID     string  `json:"moduleId"`
	StartSeconds float64 `json:"startSeconds"`
	Autoplay     bool    `json:"autoplay"`
}

type playerResponse struct {
	ContainerID string                  `json:"containerId"`
	Video       catalog.VideoDescriptor `json:"video"`
	OriginalURL string                  `json:"originalUrl"`
}

type initErrorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Retry       bool   `json:"retry"`
	OriginalURL string `json:"originalUrl,omitempty"`
}

func (h *Handler) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createPlayerRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validate.ContainerID(req.ContainerID); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	video, ok := h.catalog.Video(req.VideoID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if req.ModuleID != "" {
		if owner, _ := h.catalog.ModuleForVideo(req.VideoID); owner != req.ModuleID {
			httputil.WriteError(w, http.StatusBadRequest, "video does not belong to module")
			return
		}
	}
	if req.StartSeconds < 0 {
		req.StartSeconds = 0
	}

	p, err := h.adapter.Create(r.Context(), containerKey(userID, req.ContainerID), video.ID, player.Options{
		StartSeconds: req.StartSeconds,
		Autoplay:     req.Autoplay,
		Origin:       h.origin,
	})
	if err != nil {
		h.writeInitError(w, userID, video, err)
		return
	}

	notifiers := make([]tracker.Notifier, 0, len(h.sources))
	for _, src := range h.sources {
		notifiers = append(notifiers, src.For(userID))
	}
	opts := []tracker.Option{
		tracker.WithClock(h.clock),
		tracker.WithFallbackDuration(video.DurationSeconds()),
	}
	if h.audit != nil {
		opts = append(opts, tracker.WithSessionHook(h.audit.Hook(userID, clientInfoFromRequest(r, h.geo))))
	}
	t := tracker.New(video.ID, p.Widget(), notify.NewMultiNotifier(notifiers...), opts...)
	p.Listen(&sessionListener{Tracker: t, userID: userID, video: video, inbox: h.inbox})

	httputil.WriteJSON(w, http.StatusCreated, playerResponse{
		ContainerID: req.ContainerID,
		Video:       video,
		OriginalURL: video.OriginalURL(),
	})
}

func (h *Handler) writeInitError(w http.ResponseWriter, userID string, video catalog.VideoDescriptor, err error) {
	var initErr *player.PlayerInitError
	if !errors.As(err, &initErr) {
		slog.Error("watch: create player failed", "user_id", userID, "video_id", video.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not create player")
		return
	}

	slog.Warn("watch: player init failed", "user_id", userID, "video_id", video.ID, "kind", initErr.Kind.String(), "error", err)
	httputil.WriteJSON(w, initErrorStatus(initErr.Kind), initErrorResponse{
		Error:       kindMessage(initErr.Kind),
		Kind:        initErr.Kind.String(),
		Retry:       true,
		OriginalURL: video.OriginalURL(),
	})
}

func initErrorStatus(kind player.ErrorKind) int {
	switch kind {
	case player.KindContainerMissing:
		return http.StatusBadRequest
	case player.KindNotFound:
		return http.StatusNotFound
	case player.KindEmbedNotAllowed:
		return http.StatusUnprocessableEntity
	case player.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func kindMessage(kind player.ErrorKind) string {
	switch kind {
	case player.KindContainerMissing:
		return "The player container is missing."
	case player.KindNotFound:
		return "This video is no longer available."
	case player.KindEmbedNotAllowed:
		return "This video cannot be played here."
	case player.KindTimeout:
		return "The video player took too long to load."
	default:
		return "The video failed to play."
	}
}

type eventRequest struct {
	Type  string `json:"type"`
	State *int   `json:"state,omitempty"`
	Code  int    `json:"code,omitempty"`
	player.Report
}

type sessionView struct {
	Active         bool    `json:"active"`
	WatchedSeconds float64 `json:"watchedSeconds"`
	AnomalyCount   int     `json:"anomalyCount"`
	Penalized      bool    `json:"penalized"`
}

type eventResponse struct {
	Commands []player.Command `json:"commands"`
	Notices  []notify.Notice  `json:"notices"`
	Session  sessionView      `json:"session"`
}

func (h *Handler) Event(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	p, ok := h.adapter.Lookup(containerKey(userID, chi.URLParam(r, "containerId")))
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "player not found")
		return
	}

	var req eventRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Type {
	case EventReady, EventError, EventHeartbeat:
	case EventState:
		if req.State == nil || !player.State(*req.State).Valid() {
			httputil.WriteError(w, http.StatusBadRequest, "unknown player state")
			return
		}
	default:
		httputil.WriteError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	remote, _ := p.Widget().(*player.RemoteWidget)
	if remote != nil {
		remote.Apply(req.Report)
	}

	switch req.Type {
	case EventReady:
		p.HandleReady()
	case EventState:
		p.HandleStateChange(player.State(*req.State))
	case EventError:
		p.HandleError(req.Code)
	case EventHeartbeat:
		p.Touch()
	}

	resp := eventResponse{
		Commands: []player.Command{},
		Notices:  h.inbox.Drain(userID),
		Session:  sessionOf(p),
	}
	if remote != nil {
		if cmds := remote.DrainCommands(); len(cmds) > 0 {
			resp.Commands = cmds
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// DestroyPlayer always succeeds so closing a modal twice is harmless.
func (h *Handler) DestroyPlayer(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	h.adapter.Destroy(containerKey(userID, chi.URLParam(r, "containerId")))
	w.WriteHeader(http.StatusNoContent)
}

func sessionOf(p *player.Player) sessionView {
	l, ok := p.Listener().(*sessionListener)
	if !ok {
		return sessionView{}
	}
	snap, active := l.Snapshot()
	if !active {
		return sessionView{}
	}
	return sessionView{
		Active:         true,
		WatchedSeconds: snap.AccumulatedWatchSeconds,
		AnomalyCount:   snap.AnomalyCount,
		Penalized:      snap.Penalized,
	}
}

// sessionListener feeds player events to the tracker and turns player
// errors into notices.
type sessionListener struct {
	*tracker.Tracker
	userID string
	video  catalog.VideoDescriptor
	inbox  *notify.Inbox
}

func (l *sessionListener) Failed(err *player.PlayerError) {
	l.Tracker.Failed(err)
	l.inbox.Push(l.userID, notify.Notice{
		Kind:    notify.KindPlayerError,
		Level:   notify.LevelError,
		VideoID: l.video.ID,
		Message: kindMessage(err.Kind),
		Actions: []notify.Action{
			{Kind: notify.ActionRetry, Label: "Try again"},
			{Kind: notify.ActionOpenOriginal, Label: "Watch on " + l.video.Provider, URL: l.video.OriginalURL()},
		},
	})
}
