package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awarelab/awarelab/internal/database"
	"github.com/awarelab/awarelab/internal/tracker"
)

const auditTimeout = 30 * time.Second

// AuditLog stores one watch_sessions row per finished tracker session.
type AuditLog struct {
	db database.DBTX
	wg sync.WaitGroup
}

func NewAuditLog(db database.DBTX) *AuditLog {
	return &AuditLog{db: db}
}

// Hook returns a session hook that records summaries for userID in the
// background.
func (a *AuditLog) Hook(userID string, info ClientInfo) func(tracker.Summary) {
	return func(s tracker.Summary) {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
			defer cancel()
			if err := a.Record(ctx, userID, info, s); err != nil {
				slog.Error("watch: failed to record session", "user_id", userID, "video_id", s.VideoID, "error", err)
			}
		}()
	}
}

func (a *AuditLog) Record(ctx context.Context, userID string, info ClientInfo, s tracker.Summary) error {
	_, err := a.db.Exec(ctx,
		`INSERT INTO watch_sessions (id, user_id, video_id, outcome, watch_ratio, watched_seconds,
		   anomaly_count, rate_violations, browser, device, country, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		uuid.NewString(), userID, s.VideoID, string(s.Outcome), s.WatchRatio, s.WatchedSeconds,
		s.AnomalyCount, s.RateViolations, info.Browser, info.Device, info.Country, s.StartedAt, s.EndedAt,
	)
	return err
}

// Wait blocks until every background insert has finished.
func (a *AuditLog) Wait() {
	a.wg.Wait()
}
