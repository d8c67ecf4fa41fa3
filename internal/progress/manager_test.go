package progress

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/awarelab/awarelab/internal/catalog"
	"github.com/awarelab/awarelab/internal/notify"
)

type memStore struct {
	mu        sync.Mutex
	modules   map[string]*Record
	badges    map[string]bool
	streak    int
	user      User
	failTrack error
	failSave  error
}

func newMemStore() *memStore {
	return &memStore{
		modules: make(map[string]*Record),
		badges:  make(map[string]bool),
		user:    User{ID: testUserID, Email: "ada@example.com", Name: "Ada"},
	}
}

func (s *memStore) record(moduleID string) *Record {
	rec, ok := s.modules[moduleID]
	if !ok {
		rec = &Record{ModuleID: moduleID, VideosCompleted: []string{}}
		s.modules[moduleID] = rec
	}
	return rec
}

func (s *memStore) GetModuleProgress(_ context.Context, _, moduleID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *s.record(moduleID)
	rec.VideosCompleted = append([]string{}, rec.VideosCompleted...)
	return rec, nil
}

func (s *memStore) SaveModuleProgress(_ context.Context, _, moduleID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	rec := s.record(moduleID)
	if patch.ProgressPercent != nil {
		rec.ProgressPercent = *patch.ProgressPercent
	}
	if patch.Completed != nil {
		rec.Completed = *patch.Completed
	}
	if patch.Score != nil {
		score := *patch.Score
		rec.Score = &score
	}
	if patch.QuizPassed != nil {
		rec.QuizPassed = *patch.QuizPassed
	}
	return nil
}

func (s *memStore) TrackVideoCompletion(_ context.Context, _, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTrack != nil {
		return s.failTrack
	}
	cat, _ := catalog.Default()
	moduleID, _ := cat.ModuleForVideo(videoID)
	rec := s.record(moduleID)
	for _, id := range rec.VideosCompleted {
		if id == videoID {
			return nil
		}
	}
	rec.VideosCompleted = append(rec.VideosCompleted, videoID)
	return nil
}

func (s *memStore) UpdateUserStreak(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streak == 0 {
		s.streak = 1
	}
	s.user.StreakDays = s.streak
	return s.streak, nil
}

func (s *memStore) ListModuleProgress(context.Context, string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.modules {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

func (s *memStore) AwardBadge(_ context.Context, _, badge string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.badges[badge] {
		return false, nil
	}
	s.badges[badge] = true
	return true, nil
}

func (s *memStore) ListBadges(context.Context, string) ([]Badge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Badge
	for b := range s.badges {
		out = append(out, Badge{Badge: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Badge < out[j].Badge })
	return out, nil
}

func (s *memStore) GetUser(context.Context, string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, nil
}

func (s *memStore) hasBadge(badge string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badges[badge]
}

type recordedEvent struct {
	name string
	data map[string]any
}

type recordingSender struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSender) Send(_ string, name string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, data: data})
}

func (r *recordingSender) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *memStore, *notify.Inbox, *recordingSender) {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	inbox := notify.NewInbox(0, clockwork.NewFakeClock())
	events := &recordingSender{}
	m := NewManager(store, cat, inbox)
	m.SetEventSender(events)
	return m, store, inbox, events
}

func kinds(notices []notify.Notice) []notify.Kind {
	var out []notify.Kind
	for _, n := range notices {
		out = append(out, n.Kind)
	}
	return out
}

func TestVideoCompletionEligible_OptimisticNoticeThenPersist(t *testing.T) {
	m, store, inbox, events := newTestManager(t)

	m.For(testUserID).CompletionEligible("phishing-basics")

	// the success notice is visible before persistence completes
	if inbox.Pending(testUserID) != 1 {
		t.Fatalf("expected optimistic notice, got %d pending", inbox.Pending(testUserID))
	}
	m.Wait()

	notices := inbox.Drain(testUserID)
	if len(notices) != 1 || notices[0].Kind != notify.KindCompletionSuccess || notices[0].VideoID != "phishing-basics" {
		t.Fatalf("unexpected notices: %+v", notices)
	}

	rec, _ := store.GetModuleProgress(context.Background(), testUserID, "phishing")
	if rec.ProgressPercent != 33 {
		t.Errorf("expected 33%% progress (1 of 3 steps), got %d", rec.ProgressPercent)
	}
	if rec.Completed {
		t.Error("module must not complete before the quiz")
	}
	if !store.hasBadge(BadgeFirstVideo) {
		t.Error("expected first-video badge")
	}
	if got := events.names(); len(got) != 1 || got[0] != "video.completed" {
		t.Errorf("expected video.completed event, got %v", got)
	}
}

func TestVideoCompletionEligible_PersistenceFailureIsReported(t *testing.T) {
	m, store, inbox, events := newTestManager(t)
	store.failTrack = errors.New("backend unavailable")

	m.VideoCompletionEligible(testUserID, "phishing", "phishing-basics")
	m.Wait()

	got := kinds(inbox.Drain(testUserID))
	want := []notify.Kind{notify.KindCompletionSuccess, notify.KindPersistenceFailure}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(events.names()) != 0 {
		t.Errorf("no events expected after failed persistence, got %v", events.names())
	}
}

func TestVideoCompletionEligible_FailureAfterTrackingIsNotRolledBack(t *testing.T) {
	m, store, inbox, _ := newTestManager(t)
	store.failSave = errors.New("write timeout")

	m.VideoCompletionEligible(testUserID, "", "password-hygiene")
	m.Wait()

	rec, _ := store.GetModuleProgress(context.Background(), testUserID, "passwords")
	if len(rec.VideosCompleted) != 1 {
		t.Errorf("tracked completion should remain, got %v", rec.VideosCompleted)
	}
	got := kinds(inbox.Drain(testUserID))
	if len(got) != 2 || got[1] != notify.KindPersistenceFailure {
		t.Errorf("expected persistence failure notice, got %v", got)
	}
}

func TestViolationNotices(t *testing.T) {
	m, _, inbox, events := newTestManager(t)
	n := m.For(testUserID)

	n.InsufficientWatch("pretexting", 0.849)
	n.IntegrityViolation("pretexting")
	n.RateViolation("pretexting", 2)

	notices := inbox.Drain(testUserID)
	got := kinds(notices)
	want := []notify.Kind{notify.KindInsufficientWatch, notify.KindIntegrityViolation, notify.KindRateViolation}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notice %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if notices[0].Message != "You watched 84% of this video. Watch at least 85% to complete it." {
		t.Errorf("unexpected message: %q", notices[0].Message)
	}
	if len(notices[0].Actions) != 1 || notices[0].Actions[0].Kind != notify.ActionRetry {
		t.Errorf("expected retry action, got %+v", notices[0].Actions)
	}
	if len(events.names()) != 0 {
		t.Errorf("violations are not training events, got %v", events.names())
	}
}

func TestSubmitQuiz_PassCompletesModule(t *testing.T) {
	m, store, _, events := newTestManager(t)
	ctx := context.Background()
	_ = store.TrackVideoCompletion(ctx, testUserID, "pretexting")

	result, err := m.SubmitQuiz(ctx, testUserID, "social-engineering", QuizSubmission{Correct: 9, Total: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Score != 90 || !result.Passed || result.PassingScore != 80 {
		t.Errorf("unexpected result: %+v", result)
	}
	if !result.Record.Completed || result.Record.ProgressPercent != 100 {
		t.Errorf("expected completed module at 100%%, got %+v", result.Record)
	}
	if !store.hasBadge(BadgeFirstModule) {
		t.Error("expected first-module badge")
	}
	if store.hasBadge(BadgeAllModules) {
		t.Error("all-modules badge requires every module")
	}
	got := events.names()
	if len(got) != 2 || got[0] != "quiz.submitted" || got[1] != "module.completed" {
		t.Errorf("unexpected events: %v", got)
	}
}

func TestSubmitQuiz_FailKeepsBestScoreAndPass(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.SubmitQuiz(ctx, testUserID, "phishing", QuizSubmission{Correct: 10, Total: 10}); err != nil {
		t.Fatal(err)
	}
	result, err := m.SubmitQuiz(ctx, testUserID, "phishing", QuizSubmission{Correct: 3, Total: 10})
	if err != nil {
		t.Fatal(err)
	}
	if result.Passed || result.Score != 30 {
		t.Errorf("second attempt should fail with 30, got %+v", result)
	}
	if !result.Record.QuizPassed || *result.Record.Score != 100 {
		t.Errorf("stored record should keep the pass and best score, got %+v", result.Record)
	}
	if result.Record.ProgressPercent != 33 {
		t.Errorf("expected 33%% (quiz only), got %d", result.Record.ProgressPercent)
	}
	if !store.hasBadge(BadgePerfectQuiz) {
		t.Error("expected perfect-quiz badge")
	}
}

func TestSubmitQuiz_ScoreBelowThresholdFails(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	result, err := m.SubmitQuiz(context.Background(), testUserID, "passwords", QuizSubmission{Correct: 79, Total: 100})
	if err != nil {
		t.Fatal(err)
	}
	if result.Passed {
		t.Error("79 must not pass an 80 threshold")
	}
}

func TestSubmitQuiz_Validation(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.SubmitQuiz(ctx, testUserID, "nope", QuizSubmission{Correct: 1, Total: 1}); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("expected ErrUnknownModule, got %v", err)
	}
	for _, sub := range []QuizSubmission{{Correct: 1, Total: 0}, {Correct: -1, Total: 5}, {Correct: 6, Total: 5}} {
		if _, err := m.SubmitQuiz(ctx, testUserID, "phishing", sub); !errors.Is(err, ErrInvalidQuiz) {
			t.Errorf("%+v: expected ErrInvalidQuiz, got %v", sub, err)
		}
	}
}

func TestAllModulesBadgeAndCertificateEligibility(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	cat, _ := catalog.Default()
	for _, module := range cat.Modules() {
		for _, videoID := range module.VideoIDs {
			m.VideoCompletionEligible(testUserID, module.ID, videoID)
			m.Wait()
		}
		if _, err := m.SubmitQuiz(ctx, testUserID, module.ID, QuizSubmission{Correct: 8, Total: 10}); err != nil {
			t.Fatal(err)
		}
	}

	if !store.hasBadge(BadgeAllModules) {
		t.Error("expected all-modules badge")
	}
	d, err := m.Dashboard(ctx, testUserID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.CertificateEligible || d.CompletedModules != 3 || d.OverallPercent != 100 {
		t.Errorf("unexpected dashboard: %+v", d)
	}
}

func TestDashboard_JoinsCatalogWithProgress(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()
	_ = store.TrackVideoCompletion(ctx, testUserID, "phishing-basics")
	percent := 33
	_ = store.SaveModuleProgress(ctx, testUserID, "phishing", Patch{ProgressPercent: &percent})

	d, err := m.Dashboard(ctx, testUserID)
	if err != nil {
		t.Fatal(err)
	}
	if d.User.Name != "Ada" || d.TotalModules != 3 || len(d.Modules) != 3 {
		t.Fatalf("unexpected dashboard: %+v", d)
	}
	if d.Modules[0].ID != "phishing" || d.Modules[0].VideosCompleted != 1 || d.Modules[0].VideoCount != 2 {
		t.Errorf("unexpected phishing summary: %+v", d.Modules[0])
	}
	if d.Modules[1].ProgressPercent != 0 {
		t.Errorf("untouched module should be at 0, got %+v", d.Modules[1])
	}
	if d.OverallPercent != 11 {
		t.Errorf("expected overall 11%%, got %d", d.OverallPercent)
	}
	if d.CertificateEligible {
		t.Error("not eligible yet")
	}
}

func TestProfile_Stats(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.SubmitQuiz(ctx, testUserID, "phishing", QuizSubmission{Correct: 9, Total: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SubmitQuiz(ctx, testUserID, "passwords", QuizSubmission{Correct: 7, Total: 10}); err != nil {
		t.Fatal(err)
	}
	m.VideoCompletionEligible(testUserID, "passwords", "mfa-explained")
	m.Wait()

	p, err := m.Profile(ctx, testUserID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Stats.VideosCompleted != 1 || p.Stats.ModulesCompleted != 0 {
		t.Errorf("unexpected stats: %+v", p.Stats)
	}
	if p.Stats.AverageScore == nil || *p.Stats.AverageScore != 80 {
		t.Errorf("expected average score 80, got %v", p.Stats.AverageScore)
	}
	if p.Stats.StreakDays != 1 {
		t.Errorf("expected streak 1, got %d", p.Stats.StreakDays)
	}
}

func TestComputeProgress(t *testing.T) {
	module := catalog.Module{ID: "m", VideoIDs: []string{"a", "b", "c"}}

	tests := []struct {
		name          string
		done          map[string]bool
		quizPassed    bool
		wantPercent   int
		wantCompleted bool
	}{
		{"nothing", nil, false, 0, false},
		{"one video", map[string]bool{"a": true}, false, 25, false},
		{"videos only", map[string]bool{"a": true, "b": true, "c": true}, false, 75, false},
		{"quiz only", nil, true, 25, false},
		{"everything", map[string]bool{"a": true, "b": true, "c": true}, true, 100, true},
		{"foreign video ignored", map[string]bool{"x": true}, false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			percent, completed := ComputeProgress(module, tt.done, tt.quizPassed)
			if percent != tt.wantPercent || completed != tt.wantCompleted {
				t.Errorf("got (%d, %v), want (%d, %v)", percent, completed, tt.wantPercent, tt.wantCompleted)
			}
		})
	}
}
