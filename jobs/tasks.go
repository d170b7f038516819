package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/atlas-capital/atlas-portal/internal/session"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionsCleanup sweeps expired and revoked sessions.
	TaskSessionsCleanup = "sessions:cleanup"
)

// NewSessionsCleanupTask constructs the cleanup task for scheduling.
func NewSessionsCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskSessionsCleanup, nil)
}

// SessionsCleanupJob deletes sessions that can never become usable
// again. It runs on a cron schedule, never on the request path.
type SessionsCleanupJob struct {
	sessions session.Repository
	logger   *slog.Logger
}

// NewSessionsCleanupJob constructs the job.
func NewSessionsCleanupJob(sessions session.Repository, logger *slog.Logger) *SessionsCleanupJob {
	return &SessionsCleanupJob{sessions: sessions, logger: logger}
}

// Handle processes TaskSessionsCleanup tasks.
func (j *SessionsCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	removed, err := j.sessions.Cleanup(ctx)
	if err != nil {
		return err
	}
	if j.logger != nil {
		j.logger.Info("session cleanup", slog.Int64("removed", removed))
	}
	return nil
}
