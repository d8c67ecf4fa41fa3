package player

import (
	"context"
	"fmt"
)

// State is the widget's numeric playback state, as reported by the embed API.
type State int

const (
	StateUnstarted State = -1
	StateEnded     State = 0
	StatePlaying   State = 1
	StatePaused    State = 2
	StateBuffering State = 3
	StateCued      State = 5
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateEnded:
		return "ended"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateBuffering:
		return "buffering"
	case StateCued:
		return "cued"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Valid() bool {
	switch s {
	case StateUnstarted, StateEnded, StatePlaying, StatePaused, StateBuffering, StateCued:
		return true
	}
	return false
}

// Widget is the handle to one embedded player.
type Widget interface {
	CurrentTime() float64
	Duration() float64
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	StopVideo()
	Destroy()
}

// StateObserver is implemented by widgets that mirror state held elsewhere
// and need to see every state change.
type StateObserver interface {
	ObserveState(s State)
}

// Listener receives the normalised player events.
type Listener interface {
	Ready()
	Playing()
	Paused()
	Buffering()
	Ended()
	// Idle is delivered for unstarted/cued states and when the player is torn down.
	Idle()
	Failed(err *PlayerError)
}

type Options struct {
	StartSeconds float64
	Autoplay     bool
	Origin       string
}

// Host constructs widgets. Ready blocks until the embed API can be used.
type Host interface {
	Ready(ctx context.Context) error
	Embed(ctx context.Context, containerID, videoID string, opts Options) (Widget, error)
}
