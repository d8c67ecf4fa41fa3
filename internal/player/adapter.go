package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// HostReadyTimeout bounds how long Create waits for the host API.
const HostReadyTimeout = 10 * time.Second

// Adapter creates players and keeps the registry of live ones, keyed by container id.
type Adapter struct {
	host         Host
	clock        clockwork.Clock
	readyTimeout time.Duration

	mu      sync.Mutex
	players map[string]*Player
}

func NewAdapter(host Host, clock clockwork.Clock) *Adapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Adapter{
		host:         host,
		clock:        clock,
		readyTimeout: HostReadyTimeout,
		players:      make(map[string]*Player),
	}
}

// Create embeds videoID into containerID. A player already living in the
// container is destroyed first.
func (a *Adapter) Create(ctx context.Context, containerID, videoID string, opts Options) (*Player, error) {
	if containerID == "" {
		return nil, &PlayerInitError{VideoID: videoID, Kind: KindContainerMissing}
	}

	readyCtx, cancel := context.WithTimeout(ctx, a.readyTimeout)
	defer cancel()

	if err := a.host.Ready(readyCtx); err != nil {
		kind := KindPlaybackError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &PlayerInitError{ContainerID: containerID, VideoID: videoID, Kind: kind, Err: err}
	}

	widget, err := a.host.Embed(readyCtx, containerID, videoID, opts)
	if err != nil {
		kind := KindPlaybackError
		var playerErr *PlayerError
		switch {
		case errors.As(err, &playerErr):
			kind = playerErr.Kind
		case errors.Is(err, context.DeadlineExceeded):
			kind = KindTimeout
		}
		return nil, &PlayerInitError{ContainerID: containerID, VideoID: videoID, Kind: kind, Err: err}
	}

	p := &Player{
		containerID: containerID,
		videoID:     videoID,
		widget:      widget,
		clock:       a.clock,
		lastEvent:   a.clock.Now(),
	}
	p.onDestroy = func() { a.unregister(p) }

	a.mu.Lock()
	previous := a.players[containerID]
	a.players[containerID] = p
	a.mu.Unlock()

	if previous != nil {
		previous.Destroy()
	}

	slog.Info("player: created", "container_id", containerID, "video_id", videoID)
	return p, nil
}

func (a *Adapter) Lookup(containerID string) (*Player, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.players[containerID]
	return p, ok
}

// Destroy tears down the player in containerID. Safe to call repeatedly.
func (a *Adapter) Destroy(containerID string) bool {
	p, ok := a.Lookup(containerID)
	if !ok {
		return false
	}
	p.Destroy()
	return true
}

// DestroyIdle tears down every player whose last event is older than maxIdle.
func (a *Adapter) DestroyIdle(maxIdle time.Duration) int {
	now := a.clock.Now()

	a.mu.Lock()
	var stale []*Player
	for _, p := range a.players {
		if now.Sub(p.LastEvent()) > maxIdle {
			stale = append(stale, p)
		}
	}
	a.mu.Unlock()

	for _, p := range stale {
		slog.Info("player: reaping idle player", "container_id", p.containerID, "video_id", p.videoID)
		p.Destroy()
	}
	return len(stale)
}

// DestroyAll tears down every live player. Used on shutdown.
func (a *Adapter) DestroyAll() int {
	a.mu.Lock()
	all := make([]*Player, 0, len(a.players))
	for _, p := range a.players {
		all = append(all, p)
	}
	a.mu.Unlock()

	for _, p := range all {
		p.Destroy()
	}
	return len(all)
}

// StartReaper runs DestroyIdle every interval until ctx is cancelled.
func (a *Adapter) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := a.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				a.DestroyIdle(maxIdle)
			}
		}
	}()
}

func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.players)
}

func (a *Adapter) unregister(p *Player) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if current, ok := a.players[p.containerID]; ok && current == p {
		delete(a.players, p.containerID)
	}
}

// Player is one live widget plus the listener its events are normalised to.
type Player struct {
	containerID string
	videoID     string
	widget      Widget
	clock       clockwork.Clock
	onDestroy   func()

	mu        sync.Mutex
	listener  Listener
	lastEvent time.Time
	destroyed bool

	// delivery is held while a listener callback runs and while Destroy
	// delivers the final Idle, so no event reaches the listener after it.
	delivery sync.Mutex
}

func (p *Player) ContainerID() string { return p.containerID }
func (p *Player) VideoID() string     { return p.videoID }
func (p *Player) Widget() Widget      { return p.widget }

// Listen attaches the listener. Events delivered before Listen are dropped.
func (p *Player) Listen(l Listener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

func (p *Player) Listener() Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

func (p *Player) LastEvent() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEvent
}

func (p *Player) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Touch records activity without delivering an event.
func (p *Player) Touch() {
	p.mu.Lock()
	p.lastEvent = p.clock.Now()
	p.mu.Unlock()
}

func (p *Player) HandleReady() {
	p.deliver(func(l Listener) { l.Ready() })
}

func (p *Player) HandleStateChange(s State) {
	if !s.Valid() {
		p.Touch()
		slog.Warn("player: ignoring unknown state", "container_id", p.containerID, "state", int(s))
		return
	}
	if p.Destroyed() {
		return
	}
	if obs, ok := p.widget.(StateObserver); ok {
		obs.ObserveState(s)
	}
	p.deliver(func(l Listener) {
		switch s {
		case StatePlaying:
			l.Playing()
		case StatePaused:
			l.Paused()
		case StateBuffering:
			l.Buffering()
		case StateEnded:
			l.Ended()
		case StateUnstarted, StateCued:
			l.Idle()
		}
	})
}

func (p *Player) HandleError(code int) {
	p.deliver(func(l Listener) { l.Failed(NewPlayerError(code)) })
}

// deliver hands one event to the listener unless the player is destroyed.
// Listener methods must not destroy their own player.
func (p *Player) deliver(fn func(Listener)) {
	p.delivery.Lock()
	defer p.delivery.Unlock()
	if l := p.activeListener(); l != nil {
		fn(l)
	}
}

// Destroy discards the listener's session, stops and destroys the widget, and
// removes the player from the registry. Only the first call has any effect.
func (p *Player) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	l := p.listener
	p.mu.Unlock()

	p.delivery.Lock()
	if l != nil {
		l.Idle()
	}
	p.delivery.Unlock()
	p.widget.StopVideo()
	p.widget.Destroy()
	if p.onDestroy != nil {
		p.onDestroy()
	}
	slog.Info("player: destroyed", "container_id", p.containerID, "video_id", p.videoID)
}

func (p *Player) activeListener() Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastEvent = p.clock.Now()
	if p.destroyed {
		return nil
	}
	return p.listener
}
