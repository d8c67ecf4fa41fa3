package notify

import (
	"github.com/awarelab/awarelab/internal/tracker"
)

var _ tracker.Notifier = (*MultiNotifier)(nil)

// MultiNotifier fans tracker notifications out to all registered notifiers,
// in registration order. Nil notifiers are skipped.
type MultiNotifier struct {
	notifiers []tracker.Notifier
}

func NewMultiNotifier(notifiers ...tracker.Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

func (m *MultiNotifier) CompletionEligible(videoID string) {
	for _, n := range m.notifiers {
		n.CompletionEligible(videoID)
	}
}

func (m *MultiNotifier) InsufficientWatch(videoID string, ratio float64) {
	for _, n := range m.notifiers {
		n.InsufficientWatch(videoID, ratio)
	}
}

func (m *MultiNotifier) IntegrityViolation(videoID string) {
	for _, n := range m.notifiers {
		n.IntegrityViolation(videoID)
	}
}

func (m *MultiNotifier) RateViolation(videoID string, rate float64) {
	for _, n := range m.notifiers {
		n.RateViolation(videoID, rate)
	}
}
