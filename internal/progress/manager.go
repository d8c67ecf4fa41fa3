package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/awarelab/awarelab/internal/catalog"
	"github.com/awarelab/awarelab/internal/notify"
	"github.com/awarelab/awarelab/internal/tracker"
	"github.com/awarelab/awarelab/internal/webhook"
)

const persistTimeout = 30 * time.Second

const (
	BadgeFirstVideo  = "first-video"
	BadgeFirstModule = "first-module"
	BadgeAllModules  = "all-modules"
	BadgePerfectQuiz = "perfect-quiz"
	BadgeStreak7     = "streak-7"

	streakBadgeDays = 7
)

var (
	ErrUnknownModule = errors.New("unknown module")
	ErrInvalidQuiz   = errors.New("invalid quiz submission")
)

// Publisher delivers notices to a user.
type Publisher interface {
	Push(userID string, n notify.Notice) notify.Notice
}

// EventSender publishes training events to external systems.
type EventSender interface {
	Send(userID, name string, data map[string]any)
}

// Manager turns tracker verdicts and quiz submissions into persisted progress.
type Manager struct {
	store   Store
	catalog *catalog.Catalog
	notices Publisher
	events  EventSender
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewManager(store Store, cat *catalog.Catalog, notices Publisher) *Manager {
	return &Manager{
		store:   store,
		catalog: cat,
		notices: notices,
		timeout: persistTimeout,
	}
}

func (m *Manager) SetEventSender(e EventSender) {
	m.events = e
}

// Wait blocks until all background persistence has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// For binds the manager to one user so it can receive tracker verdicts.
func (m *Manager) For(userID string) tracker.Notifier {
	return &userNotifier{m: m, userID: userID}
}

type userNotifier struct {
	m      *Manager
	userID string
}

func (n *userNotifier) CompletionEligible(videoID string) {
	n.m.VideoCompletionEligible(n.userID, "", videoID)
}

func (n *userNotifier) InsufficientWatch(videoID string, ratio float64) {
	n.m.InsufficientWatch(n.userID, videoID, ratio)
}

func (n *userNotifier) IntegrityViolation(videoID string) {
	n.m.IntegrityViolation(n.userID, videoID)
}

func (n *userNotifier) RateViolation(videoID string, rate float64) {
	n.m.RateViolation(n.userID, videoID, rate)
}

// VideoCompletionEligible shows success immediately and persists in the
// background. A failed write is reported to the user but never rolled back
// or retried.
func (m *Manager) VideoCompletionEligible(userID, moduleID, videoID string) {
	if moduleID == "" {
		moduleID, _ = m.catalog.ModuleForVideo(videoID)
	}
	m.notices.Push(userID, notify.Notice{
		Kind:    notify.KindCompletionSuccess,
		Level:   notify.LevelSuccess,
		VideoID: videoID,
		Message: "Video completed. Nice work!",
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.persistCompletion(ctx, userID, moduleID, videoID); err != nil {
			slog.Error("progress: failed to persist video completion", "user_id", userID, "module_id", moduleID, "video_id", videoID, "error", err)
			m.notices.Push(userID, notify.Notice{
				Kind:    notify.KindPersistenceFailure,
				Level:   notify.LevelWarning,
				VideoID: videoID,
				Message: "We couldn't save this completion. It may not appear in your progress.",
			})
		}
	}()
}

func (m *Manager) persistCompletion(ctx context.Context, userID, moduleID, videoID string) error {
	if err := m.store.TrackVideoCompletion(ctx, userID, videoID); err != nil {
		return err
	}

	module, ok := m.catalog.Module(moduleID)
	if !ok {
		return fmt.Errorf("video %q: %w %q", videoID, ErrUnknownModule, moduleID)
	}

	rec, err := m.store.GetModuleProgress(ctx, userID, moduleID)
	if err != nil {
		return err
	}
	done := toSet(rec.VideosCompleted)
	done[videoID] = true
	percent, completed := ComputeProgress(module, done, rec.QuizPassed)

	if err := m.store.SaveModuleProgress(ctx, userID, moduleID, Patch{
		ProgressPercent: &percent,
		Completed:       &completed,
	}); err != nil {
		return err
	}

	streak, err := m.store.UpdateUserStreak(ctx, userID)
	if err != nil {
		return err
	}

	badges := []string{BadgeFirstVideo}
	if streak >= streakBadgeDays {
		badges = append(badges, BadgeStreak7)
	}
	if err := m.award(ctx, userID, badges, completed); err != nil {
		return err
	}

	m.send(userID, webhook.EventVideoCompleted, map[string]any{
		"videoId":         videoID,
		"moduleId":        moduleID,
		"progressPercent": percent,
	})
	if completed && !rec.Completed {
		m.send(userID, webhook.EventModuleCompleted, map[string]any{"moduleId": moduleID})
	}
	slog.Info("progress: video completion saved", "user_id", userID, "module_id", moduleID, "video_id", videoID, "progress_percent", percent)
	return nil
}

func (m *Manager) IntegrityViolation(userID, videoID string) {
	m.notices.Push(userID, notify.Notice{
		Kind:    notify.KindIntegrityViolation,
		Level:   notify.LevelWarning,
		VideoID: videoID,
		Message: "Skipping ahead was detected several times. Watch time for this video has been reset.",
	})
}

func (m *Manager) InsufficientWatch(userID, videoID string, ratio float64) {
	m.notices.Push(userID, notify.Notice{
		Kind:    notify.KindInsufficientWatch,
		Level:   notify.LevelInfo,
		VideoID: videoID,
		Message: fmt.Sprintf("You watched %d%% of this video. Watch at least %d%% to complete it.",
			int(math.Floor(ratio*100)), int(tracker.CompletionRatio*100)),
		Actions: []notify.Action{{Kind: notify.ActionRetry, Label: "Watch again"}},
	})
}

func (m *Manager) RateViolation(userID, videoID string, rate float64) {
	m.notices.Push(userID, notify.Notice{
		Kind:    notify.KindRateViolation,
		Level:   notify.LevelWarning,
		VideoID: videoID,
		Message: fmt.Sprintf("Playback speed %.2gx is not allowed. Speed was reset to normal.", rate),
	})
}

type QuizSubmission struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

type QuizResult struct {
	ModuleID     string `json:"moduleId"`
	Score        int    `json:"score"`
	PassingScore int    `json:"passingScore"`
	Passed       bool   `json:"passed"`
	Record       Record `json:"progress"`
}

// SubmitQuiz scores a quiz attempt. The best score is kept and a passed quiz
// stays passed.
func (m *Manager) SubmitQuiz(ctx context.Context, userID, moduleID string, sub QuizSubmission) (QuizResult, error) {
	module, ok := m.catalog.Module(moduleID)
	if !ok {
		return QuizResult{}, ErrUnknownModule
	}
	if sub.Total <= 0 || sub.Correct < 0 || sub.Correct > sub.Total {
		return QuizResult{}, ErrInvalidQuiz
	}

	score := int(math.Round(float64(sub.Correct) * 100 / float64(sub.Total)))
	passed := score >= module.PassingScore

	rec, err := m.store.GetModuleProgress(ctx, userID, moduleID)
	if err != nil {
		return QuizResult{}, err
	}
	best := score
	if rec.Score != nil && *rec.Score > best {
		best = *rec.Score
	}
	quizPassed := rec.QuizPassed || passed
	percent, completed := ComputeProgress(module, toSet(rec.VideosCompleted), quizPassed)

	if err := m.store.SaveModuleProgress(ctx, userID, moduleID, Patch{
		ProgressPercent: &percent,
		Completed:       &completed,
		Score:           &best,
		QuizPassed:      &quizPassed,
	}); err != nil {
		return QuizResult{}, err
	}
	if _, err := m.store.UpdateUserStreak(ctx, userID); err != nil {
		return QuizResult{}, err
	}

	var badges []string
	if score == 100 {
		badges = append(badges, BadgePerfectQuiz)
	}
	if err := m.award(ctx, userID, badges, completed); err != nil {
		return QuizResult{}, err
	}

	m.send(userID, webhook.EventQuizSubmitted, map[string]any{"moduleId": moduleID, "score": score, "passed": passed})
	if completed && !rec.Completed {
		m.send(userID, webhook.EventModuleCompleted, map[string]any{"moduleId": moduleID})
	}

	rec.ProgressPercent = percent
	rec.Completed = completed
	rec.Score = &best
	rec.QuizPassed = quizPassed
	return QuizResult{
		ModuleID:     moduleID,
		Score:        score,
		PassingScore: module.PassingScore,
		Passed:       passed,
		Record:       rec,
	}, nil
}

// ModuleProgress returns the stored record for one catalog module.
func (m *Manager) ModuleProgress(ctx context.Context, userID, moduleID string) (Record, error) {
	if _, ok := m.catalog.Module(moduleID); !ok {
		return Record{}, ErrUnknownModule
	}
	return m.store.GetModuleProgress(ctx, userID, moduleID)
}

type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type ModuleSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	VideoCount      int    `json:"videoCount"`
	VideosCompleted int    `json:"videosCompleted"`
	ProgressPercent int    `json:"progressPercent"`
	Completed       bool   `json:"completed"`
	Score           *int   `json:"score"`
	QuizPassed      bool   `json:"quizPassed"`
	PassingScore    int    `json:"passingScore"`
}

type Dashboard struct {
	User                UserSummary     `json:"user"`
	Modules             []ModuleSummary `json:"modules"`
	OverallPercent      int             `json:"overallPercent"`
	CompletedModules    int             `json:"completedModules"`
	TotalModules        int             `json:"totalModules"`
	StreakDays          int             `json:"streakDays"`
	Badges              []Badge         `json:"badges"`
	CertificateEligible bool            `json:"certificateEligible"`
}

func (m *Manager) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}
	records, err := m.store.ListModuleProgress(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}
	badges, err := m.store.ListBadges(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}

	byModule := make(map[string]Record, len(records))
	for _, rec := range records {
		byModule[rec.ModuleID] = rec
	}

	modules := m.catalog.Modules()
	d := Dashboard{
		User:         UserSummary{ID: user.ID, Name: user.Name, Email: user.Email},
		Modules:      make([]ModuleSummary, 0, len(modules)),
		TotalModules: len(modules),
		StreakDays:   user.StreakDays,
		Badges:       badges,
	}
	sum := 0
	for _, module := range modules {
		rec := byModule[module.ID]
		done := 0
		completedSet := toSet(rec.VideosCompleted)
		for _, videoID := range module.VideoIDs {
			if completedSet[videoID] {
				done++
			}
		}
		d.Modules = append(d.Modules, ModuleSummary{
			ID:              module.ID,
			Title:           module.Title,
			VideoCount:      len(module.VideoIDs),
			VideosCompleted: done,
			ProgressPercent: rec.ProgressPercent,
			Completed:       rec.Completed,
			Score:           rec.Score,
			QuizPassed:      rec.QuizPassed,
			PassingScore:    module.PassingScore,
		})
		sum += rec.ProgressPercent
		if rec.Completed {
			d.CompletedModules++
		}
	}
	if len(modules) > 0 {
		d.OverallPercent = sum / len(modules)
	}
	d.CertificateEligible = len(modules) > 0 && d.CompletedModules == len(modules)
	return d, nil
}

type Stats struct {
	VideosCompleted  int  `json:"videosCompleted"`
	ModulesCompleted int  `json:"modulesCompleted"`
	AverageScore     *int `json:"averageScore"`
	StreakDays       int  `json:"streakDays"`
}

type Profile struct {
	User   User    `json:"user"`
	Stats  Stats   `json:"stats"`
	Badges []Badge `json:"badges"`
}

func (m *Manager) Profile(ctx context.Context, userID string) (Profile, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	records, err := m.store.ListModuleProgress(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	badges, err := m.store.ListBadges(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	stats := Stats{StreakDays: user.StreakDays}
	scoreSum, scored := 0, 0
	for _, rec := range records {
		stats.VideosCompleted += len(rec.VideosCompleted)
		if rec.Completed {
			stats.ModulesCompleted++
		}
		if rec.Score != nil {
			scoreSum += *rec.Score
			scored++
		}
	}
	if scored > 0 {
		avg := int(math.Round(float64(scoreSum) / float64(scored)))
		stats.AverageScore = &avg
	}
	return Profile{User: user, Stats: stats, Badges: badges}, nil
}

// ComputeProgress counts the quiz as one more step after the module's videos.
func ComputeProgress(module catalog.Module, completedVideos map[string]bool, quizPassed bool) (percent int, completed bool) {
	done := 0
	for _, videoID := range module.VideoIDs {
		if completedVideos[videoID] {
			done++
		}
	}
	if quizPassed {
		done++
	}
	total := len(module.VideoIDs) + 1
	return done * 100 / total, done == total
}

// award grants badges plus the module badges when a module was completed.
func (m *Manager) award(ctx context.Context, userID string, badges []string, moduleCompleted bool) error {
	if moduleCompleted {
		badges = append(badges, BadgeFirstModule)
		all, err := m.allModulesCompleted(ctx, userID)
		if err != nil {
			return err
		}
		if all {
			badges = append(badges, BadgeAllModules)
		}
	}
	for _, badge := range badges {
		awarded, err := m.store.AwardBadge(ctx, userID, badge)
		if err != nil {
			return err
		}
		if awarded {
			slog.Info("progress: badge awarded", "user_id", userID, "badge", badge)
		}
	}
	return nil
}

func (m *Manager) allModulesCompleted(ctx context.Context, userID string) (bool, error) {
	records, err := m.store.ListModuleProgress(ctx, userID)
	if err != nil {
		return false, err
	}
	completed := make(map[string]bool, len(records))
	for _, rec := range records {
		completed[rec.ModuleID] = rec.Completed
	}
	for _, module := range m.catalog.Modules() {
		if !completed[module.ID] {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) send(userID, event string, data map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Send(userID, event, data)
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
