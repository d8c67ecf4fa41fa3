package player

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Command is an instruction queued for the browser-side widget.
type Command struct {
	Name string  `json:"name"`
	Rate float64 `json:"rate,omitempty"`
}

const (
	CommandSetPlaybackRate = "setPlaybackRate"
	CommandStopVideo       = "stopVideo"
	CommandDestroy         = "destroy"
)

// Report carries the playback figures a browser sends with each event.
// Nil fields leave the mirrored value unchanged.
type Report struct {
	Position *float64 `json:"position,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`
}

// RemoteWidget mirrors a widget that lives in the browser. Reads are served
// from the last report, extrapolated while playing; writes become commands.
type RemoteWidget struct {
	clock clockwork.Clock

	mu         sync.Mutex
	position   float64
	duration   float64
	rate       float64
	playing    bool
	reportedAt time.Time
	commands   []Command
	destroyed  bool
}

func NewRemoteWidget(clock clockwork.Clock, duration float64) *RemoteWidget {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RemoteWidget{
		clock:      clock,
		duration:   duration,
		rate:       1,
		reportedAt: clock.Now(),
	}
}

func (w *RemoteWidget) Apply(r Report) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.Position != nil {
		w.position = *r.Position
		w.reportedAt = w.clock.Now()
	}
	if r.Duration != nil && *r.Duration > 0 {
		w.duration = *r.Duration
	}
	if r.Rate != nil && *r.Rate > 0 {
		w.rebase()
		w.rate = *r.Rate
	}
}

func (w *RemoteWidget) ObserveState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rebase()
	w.playing = s == StatePlaying
}

func (w *RemoteWidget) CurrentTime() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTime()
}

func (w *RemoteWidget) Duration() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.duration
}

func (w *RemoteWidget) PlaybackRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rate
}

func (w *RemoteWidget) SetPlaybackRate(rate float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rebase()
	w.rate = rate
	w.enqueue(Command{Name: CommandSetPlaybackRate, Rate: rate})
}

func (w *RemoteWidget) StopVideo() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rebase()
	w.playing = false
	w.enqueue(Command{Name: CommandStopVideo})
}

func (w *RemoteWidget) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return
	}
	w.enqueue(Command{Name: CommandDestroy})
	w.destroyed = true
}

// DrainCommands returns and clears the queued commands.
func (w *RemoteWidget) DrainCommands() []Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.commands
	w.commands = nil
	return out
}

func (w *RemoteWidget) enqueue(c Command) {
	if w.destroyed {
		return
	}
	w.commands = append(w.commands, c)
}

func (w *RemoteWidget) currentTime() float64 {
	if !w.playing {
		return w.position
	}
	pos := w.position + w.clock.Since(w.reportedAt).Seconds()*w.rate
	if w.duration > 0 && pos > w.duration {
		return w.duration
	}
	return pos
}

// rebase folds extrapolated progress into position so a rate or state
// change applies only from now on.
func (w *RemoteWidget) rebase() {
	w.position = w.currentTime()
	w.reportedAt = w.clock.Now()
}
