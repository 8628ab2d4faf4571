package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/staffdesk/agent-server-go/internal/repository"
)

// CleanupJob periodically clears stale credentials. It deliberately never
// touches pending_actions: action expiry is evaluated lazily at decision
// time, and stored status must not change as a side effect of a sweep.
type CleanupJob struct {
	accountRepo repository.AccountRepository
	interval    time.Duration
	done        chan struct{}
}

func NewCleanupJob(accountRepo repository.AccountRepository, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		accountRepo: accountRepo,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runCleanup(ctx, "disabled account tokens", j.accountRepo.DeleteDisabledTokens)
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
