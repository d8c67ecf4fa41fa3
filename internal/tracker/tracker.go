// Package tracker decides, from raw player state transitions, whether a video
// was watched for long enough to earn completion credit.
//
// Watch time is measured by sampling the wall clock once per second while the
// player is playing; the position the player reports is only used to detect
// seeks. A session lives from the first "playing" state until the video ends,
// errors, or the player is torn down.
package tracker

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/awarelab/awarelab/internal/player"
	"github.com/jonboulle/clockwork"
)

// Watch-integrity policy. These are fixed for every video.
const (
	// SampleInterval is how often a live session samples the wall clock.
	SampleInterval = time.Second
	// SeekTolerance is the largest position jump, in seconds, between two
	// samples that is not counted as a seek.
	SeekTolerance = 5.0
	// AnomalyThreshold is the number of seek jumps that resets watch time.
	AnomalyThreshold = 3
	// CompletionRatio is the share of the duration that must be watched.
	CompletionRatio = 0.85
	// MaxPlaybackRate is the fastest rate allowed; faster rates are reset.
	MaxPlaybackRate = 1.0
)

// Widget is the subset of player.Widget the tracker reads and corrects.
type Widget interface {
	CurrentTime() float64
	Duration() float64
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
}

// Notifier receives the tracker's verdicts. Calls are made without the
// tracker's lock held and may block briefly.
type Notifier interface {
	CompletionEligible(videoID string)
	InsufficientWatch(videoID string, ratio float64)
	IntegrityViolation(videoID string)
	RateViolation(videoID string, rate float64)
}

// Outcome records how a session ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeInsufficient Outcome = "insufficient"
	OutcomeDiscarded    Outcome = "discarded"
	OutcomeFailed       Outcome = "failed"
)

// Summary describes a session at the moment it was destroyed.
type Summary struct {
	VideoID        string
	Outcome        Outcome
	WatchedSeconds float64
	WatchRatio     float64
	AnomalyCount   int
	RateViolations int
	Penalized      bool
	StartedAt      time.Time
	EndedAt        time.Time
}

// Snapshot is a read-only copy of the live session.
type Snapshot struct {
	VideoID                 string
	AccumulatedWatchSeconds float64
	LastSampleTimestamp     time.Time
	IsBuffering             bool
	IsPaused                bool
	LastKnownPosition       float64
	PlaybackRate            float64
	AnomalyCount            int
	RateViolations          int
	Penalized               bool
}

type session struct {
	accumulated    time.Duration
	lastSample     time.Time
	isBuffering    bool
	isPaused       bool
	lastPosition   float64
	playbackRate   float64
	anomalyCount   int
	rateViolations int
	penalized      bool
	startedAt      time.Time

	ticker clockwork.Ticker
	stop   chan struct{}
	done   chan struct{} // closed when the sampling loop has exited
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for sampling. Tests pass a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithFallbackDuration sets the duration used when the widget reports none.
func WithFallbackDuration(seconds float64) Option {
	return func(t *Tracker) { t.fallbackDuration = seconds }
}

// WithSessionHook registers fn to receive a Summary whenever a session is destroyed.
func WithSessionHook(fn func(Summary)) Option {
	return func(t *Tracker) { t.onSessionEnd = fn }
}

// Tracker owns at most one WatchSession for one player instance.
type Tracker struct {
	videoID          string
	widget           Widget
	notifier         Notifier
	clock            clockwork.Clock
	fallbackDuration float64
	onSessionEnd     func(Summary)
	logger           *slog.Logger

	mu      sync.Mutex
	session *session
}

var _ player.Listener = (*Tracker)(nil)

// New returns a tracker for videoID that reads w and reports verdicts to n.
// No session exists until the first Playing.
func New(videoID string, w Widget, n Notifier, opts ...Option) *Tracker {
	t := &Tracker{
		videoID:  videoID,
		widget:   w,
		notifier: n,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = slog.Default().With("video_id", videoID)
	return t
}

// VideoID returns the video this tracker judges.
func (t *Tracker) VideoID() string { return t.videoID }

// Active reports whether a session currently exists.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil
}

// Snapshot copies the live session. The bool is false when there is none.
func (t *Tracker) Snapshot() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	if s == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		VideoID:                 t.videoID,
		AccumulatedWatchSeconds: s.accumulated.Seconds(),
		LastSampleTimestamp:     s.lastSample,
		IsBuffering:             s.isBuffering,
		IsPaused:                s.isPaused,
		LastKnownPosition:       s.lastPosition,
		PlaybackRate:            s.playbackRate,
		AnomalyCount:            s.anomalyCount,
		RateViolations:          s.rateViolations,
		Penalized:               s.penalized,
	}, true
}

func (t *Tracker) Ready() {}

// Playing starts a session on the first call and resumes accumulation after
// a pause or buffering on later calls.
func (t *Tracker) Playing() {
	t.mu.Lock()
	if t.session == nil {
		t.start()
	} else {
		s := t.session
		t.sample(s, t.clock.Now())
		s.isBuffering = false
		s.isPaused = false
	}
	emit := t.enforceRate(t.session)
	t.mu.Unlock()
	run(emit)
}

func (t *Tracker) Paused() {
	t.mu.Lock()
	if s := t.session; s != nil {
		t.sample(s, t.clock.Now())
		s.isPaused = true
	}
	t.mu.Unlock()
}

func (t *Tracker) Buffering() {
	t.mu.Lock()
	if s := t.session; s != nil {
		t.sample(s, t.clock.Now())
		s.isBuffering = true
	}
	t.mu.Unlock()
}

// Ended computes the watch ratio and emits exactly one verdict for the live
// session. Without a session there is nothing to judge.
func (t *Tracker) Ended() {
	t.mu.Lock()
	s := t.session
	if s == nil {
		t.mu.Unlock()
		t.logger.Debug("tracker: ended without a session, ignoring")
		return
	}
	now := t.clock.Now()
	t.sample(s, now)
	watched := s.accumulated.Seconds()

	duration := t.widget.Duration()
	if duration <= 0 {
		duration = t.fallbackDuration
	}
	ratio := 0.0
	if duration > 0 {
		ratio = watched / duration
	}

	outcome := OutcomeInsufficient
	if ratio >= CompletionRatio {
		outcome = OutcomeCompleted
	}
	summary := t.destroy(outcome, now)
	summary.WatchRatio = ratio
	t.mu.Unlock()

	if outcome == OutcomeCompleted {
		t.logger.Info("tracker: completion eligible", "watch_ratio", ratio)
		t.notifier.CompletionEligible(t.videoID)
	} else {
		t.logger.Info("tracker: insufficient watch time", "watch_ratio", ratio, "watched_seconds", watched, "duration_seconds", duration)
		t.notifier.InsufficientWatch(t.videoID, ratio)
	}
	t.report(summary)
}

// Idle discards the session without a verdict.
func (t *Tracker) Idle() {
	t.Discard()
}

func (t *Tracker) Failed(err *player.PlayerError) {
	t.logger.Warn("tracker: player error, discarding session", "error", err)
	t.mu.Lock()
	summary := t.destroy(OutcomeFailed, t.clock.Now())
	t.mu.Unlock()
	t.report(summary)
}

// Discard destroys the session, if any, and stops its sampling ticker.
func (t *Tracker) Discard() {
	t.mu.Lock()
	summary := t.destroy(OutcomeDiscarded, t.clock.Now())
	t.mu.Unlock()
	t.report(summary)
}

// Tick takes one sample. It is driven by the session's ticker; calling it
// without a session is a no-op.
func (t *Tracker) Tick() {
	t.tick(nil)
}

// tick samples the live session. When want is set, ticks that race with the
// destruction of that session are dropped.
func (t *Tracker) tick(want *session) {
	t.mu.Lock()
	s := t.session
	if s == nil || (want != nil && s != want) {
		t.mu.Unlock()
		return
	}
	t.sample(s, t.clock.Now())
	emit := t.enforceRate(s)
	emit = append(emit, t.detectSeek(s)...)
	t.mu.Unlock()
	run(emit)
}

// start must be called with t.mu held.
func (t *Tracker) start() {
	now := t.clock.Now()
	s := &session{
		lastSample:   now,
		lastPosition: t.widget.CurrentTime(),
		playbackRate: t.widget.PlaybackRate(),
		startedAt:    now,
		ticker:       t.clock.NewTicker(SampleInterval),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	t.session = s
	go t.loop(s)
	t.logger.Debug("tracker: session started", "position", s.lastPosition)
}

func (t *Tracker) loop(s *session) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.Chan():
			t.tick(s)
		}
	}
}

// sample must be called with t.mu held.
func (t *Tracker) sample(s *session, now time.Time) {
	if !s.isBuffering && !s.isPaused {
		if elapsed := now.Sub(s.lastSample); elapsed > 0 {
			s.accumulated += elapsed
		}
	}
	s.lastSample = now
}

// enforceRate must be called with t.mu held.
func (t *Tracker) enforceRate(s *session) []func() {
	if s == nil {
		return nil
	}
	rate := t.widget.PlaybackRate()
	if rate <= MaxPlaybackRate {
		s.playbackRate = rate
		return nil
	}
	t.widget.SetPlaybackRate(MaxPlaybackRate)
	s.playbackRate = MaxPlaybackRate
	s.rateViolations++
	t.logger.Warn("tracker: playback rate forced back to normal", "reported_rate", rate, "rate_violations", s.rateViolations)
	return []func(){func() { t.notifier.RateViolation(t.videoID, rate) }}
}

// detectSeek must be called with t.mu held.
func (t *Tracker) detectSeek(s *session) []func() {
	position := t.widget.CurrentTime()
	jump := math.Abs(position - s.lastPosition)
	s.lastPosition = position
	if jump <= SeekTolerance {
		return nil
	}

	s.anomalyCount++
	t.logger.Warn("tracker: seek-jump anomaly", "jump_seconds", jump, "anomaly_count", s.anomalyCount)
	if s.anomalyCount < AnomalyThreshold || s.penalized {
		return nil
	}

	s.penalized = true
	s.accumulated = 0
	t.logger.Warn("tracker: integrity violation, watch time reset", "anomaly_count", s.anomalyCount)
	return []func(){func() { t.notifier.IntegrityViolation(t.videoID) }}
}

// destroy must be called with t.mu held.
func (t *Tracker) destroy(outcome Outcome, now time.Time) *Summary {
	s := t.session
	if s == nil {
		return nil
	}
	t.session = nil
	s.ticker.Stop()
	close(s.stop)
	return &Summary{
		VideoID:        t.videoID,
		Outcome:        outcome,
		WatchedSeconds: s.accumulated.Seconds(),
		AnomalyCount:   s.anomalyCount,
		RateViolations: s.rateViolations,
		Penalized:      s.penalized,
		StartedAt:      s.startedAt,
		EndedAt:        now,
	}
}

func (t *Tracker) report(summary *Summary) {
	if summary == nil || t.onSessionEnd == nil {
		return
	}
	t.onSessionEnd(*summary)
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
