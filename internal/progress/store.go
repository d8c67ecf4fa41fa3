package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/awarelab/awarelab/internal/database"
)

var ErrNotFound = errors.New("not found")

// Record is one user's progress through one module.
type Record struct {
	ModuleID        string    `json:"moduleId"`
	ProgressPercent int       `json:"progressPercent"`
	Completed       bool      `json:"completed"`
	Score           *int      `json:"score"`
	QuizPassed      bool      `json:"quizPassed"`
	VideosCompleted []string  `json:"videosCompleted"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Patch is a partial update; nil fields keep their stored value.
type Patch struct {
	ProgressPercent *int
	Completed       *bool
	Score           *int
	QuizPassed      *bool
}

type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	StreakDays     int        `json:"streakDays"`
	LastActiveDate *time.Time `json:"lastActiveDate"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type Badge struct {
	Badge     string    `json:"badge"`
	AwardedAt time.Time `json:"awardedAt"`
}

// Store persists training progress.
type Store interface {
	GetModuleProgress(ctx context.Context, userID, moduleID string) (Record, error)
	SaveModuleProgress(ctx context.Context, userID, moduleID string, patch Patch) error
	TrackVideoCompletion(ctx context.Context, userID, videoID string) error
	UpdateUserStreak(ctx context.Context, userID string) (int, error)
	ListModuleProgress(ctx context.Context, userID string) ([]Record, error)
	AwardBadge(ctx context.Context, userID, badge string) (bool, error)
	ListBadges(ctx context.Context, userID string) ([]Badge, error)
	GetUser(ctx context.Context, userID string) (User, error)
}

// ModuleResolver maps a video to the module that contains it.
type ModuleResolver interface {
	ModuleForVideo(videoID string) (string, bool)
}

type PGStore struct {
	db      database.DBTX
	modules ModuleResolver
	clock   clockwork.Clock
}

func NewPGStore(db database.DBTX, modules ModuleResolver, clock clockwork.Clock) *PGStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PGStore{db: db, modules: modules, clock: clock}
}

var _ Store = (*PGStore)(nil)

// GetModuleProgress returns a zero record when nothing has been stored yet.
func (s *PGStore) GetModuleProgress(ctx context.Context, userID, moduleID string) (Record, error) {
	rec := Record{ModuleID: moduleID}
	err := s.db.QueryRow(ctx,
		`SELECT progress_percent, completed, score, quiz_passed, updated_at
		 FROM module_progress WHERE user_id = $1 AND module_id = $2`,
		userID, moduleID,
	).Scan(&rec.ProgressPercent, &rec.Completed, &rec.Score, &rec.QuizPassed, &rec.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("get module progress: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT video_id FROM video_completions
		 WHERE user_id = $1 AND module_id = $2
		 ORDER BY completed_at`,
		userID, moduleID,
	)
	if err != nil {
		return Record{}, fmt.Errorf("list video completions: %w", err)
	}
	defer rows.Close()

	rec.VideosCompleted = []string{}
	for rows.Next() {
		var videoID string
		if err := rows.Scan(&videoID); err != nil {
			return Record{}, fmt.Errorf("scan video completion: %w", err)
		}
		rec.VideosCompleted = append(rec.VideosCompleted, videoID)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("iterate video completions: %w", err)
	}
	return rec, nil
}

func (s *PGStore) SaveModuleProgress(ctx context.Context, userID, moduleID string, patch Patch) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO module_progress (user_id, module_id, progress_percent, completed, score, quiz_passed, updated_at)
		 VALUES ($1, $2, COALESCE($3, 0), COALESCE($4, false), $5, COALESCE($6, false), now())
		 ON CONFLICT (user_id, module_id) DO UPDATE SET
		   progress_percent = COALESCE($3, module_progress.progress_percent),
		   completed = COALESCE($4, module_progress.completed),
		   score = COALESCE($5, module_progress.score),
		   quiz_passed = COALESCE($6, module_progress.quiz_passed),
		   updated_at = now()`,
		userID, moduleID, patch.ProgressPercent, patch.Completed, patch.Score, patch.QuizPassed,
	)
	if err != nil {
		return fmt.Errorf("save module progress: %w", err)
	}
	return nil
}

// TrackVideoCompletion is idempotent per user and video.
func (s *PGStore) TrackVideoCompletion(ctx context.Context, userID, videoID string) error {
	moduleID, _ := s.modules.ModuleForVideo(videoID)
	_, err := s.db.Exec(ctx,
		`INSERT INTO video_completions (user_id, video_id, module_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, video_id) DO NOTHING`,
		userID, videoID, moduleID,
	)
	if err != nil {
		return fmt.Errorf("track video completion: %w", err)
	}
	return nil
}

// UpdateUserStreak records activity for today and returns the resulting streak.
func (s *PGStore) UpdateUserStreak(ctx context.Context, userID string) (int, error) {
	var streak int
	var lastActive *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT streak_days, last_active_date FROM users WHERE id = $1`,
		userID,
	).Scan(&streak, &lastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read streak: %w", err)
	}

	today := truncateDay(s.clock.Now())
	next, changed := NextStreak(streak, lastActive, today)
	if !changed {
		return streak, nil
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE users SET streak_days = $2, last_active_date = $3 WHERE id = $1`,
		userID, next, today,
	); err != nil {
		return 0, fmt.Errorf("update streak: %w", err)
	}
	return next, nil
}

// NextStreak applies one day of activity: the same day is a no-op, the day
// after the last active day extends the streak, anything else restarts it.
func NextStreak(current int, lastActive *time.Time, today time.Time) (int, bool) {
	today = truncateDay(today)
	if lastActive == nil {
		return 1, true
	}
	last := truncateDay(*lastActive)
	switch {
	case last.Equal(today):
		return current, false
	case last.AddDate(0, 0, 1).Equal(today):
		return current + 1, true
	default:
		return 1, true
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *PGStore) ListModuleProgress(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT module_id, progress_percent, completed, score, quiz_passed, updated_at
		 FROM module_progress WHERE user_id = $1
		 ORDER BY module_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list module progress: %w", err)
	}
	defer rows.Close()

	byModule := make(map[string]*Record)
	records := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ModuleID, &rec.ProgressPercent, &rec.Completed, &rec.Score, &rec.QuizPassed, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module progress: %w", err)
		}
		rec.VideosCompleted = []string{}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module progress: %w", err)
	}
	for i := range records {
		byModule[records[i].ModuleID] = &records[i]
	}

	completions, err := s.db.Query(ctx,
		`SELECT module_id, video_id FROM video_completions
		 WHERE user_id = $1
		 ORDER BY completed_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list video completions: %w", err)
	}
	defer completions.Close()

	var orphans []Record
	for completions.Next() {
		var moduleID, videoID string
		if err := completions.Scan(&moduleID, &videoID); err != nil {
			return nil, fmt.Errorf("scan video completion: %w", err)
		}
		if rec, ok := byModule[moduleID]; ok {
			rec.VideosCompleted = append(rec.VideosCompleted, videoID)
			continue
		}
		orphans = appendCompletion(orphans, moduleID, videoID)
	}
	if err := completions.Err(); err != nil {
		return nil, fmt.Errorf("iterate video completions: %w", err)
	}
	return append(records, orphans...), nil
}

// appendCompletion groups completions for modules that have no progress row.
func appendCompletion(records []Record, moduleID, videoID string) []Record {
	for i := range records {
		if records[i].ModuleID == moduleID {
			records[i].VideosCompleted = append(records[i].VideosCompleted, videoID)
			return records
		}
	}
	return append(records, Record{ModuleID: moduleID, VideosCompleted: []string{videoID}})
}

// AwardBadge reports whether the badge was newly awarded.
func (s *PGStore) AwardBadge(ctx context.Context, userID, badge string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO badges (user_id, badge) VALUES ($1, $2)
		 ON CONFLICT (user_id, badge) DO NOTHING`,
		userID, badge,
	)
	if err != nil {
		return false, fmt.Errorf("award badge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ListBadges(ctx context.Context, userID string) ([]Badge, error) {
	rows, err := s.db.Query(ctx,
		`SELECT badge, awarded_at FROM badges WHERE user_id = $1 ORDER BY awarded_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defer rows.Close()

	badges := []Badge{}
	for rows.Next() {
		var b Badge
		if err := rows.Scan(&b.Badge, &b.AwardedAt); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		badges = append(badges, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate badges: %w", err)
	}
	return badges, nil
}

func (s *PGStore) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.db.QueryRow(ctx,
		`SELECT id, email, name, streak_days, last_active_date, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Name, &u.StreakDays, &u.LastActiveDate, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}
