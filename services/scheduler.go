// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/utils"
	"github.com/go-co-op/gocron/v2"
)

// StartMaintenanceScheduler wires the periodic housekeeping jobs: janitor
// sweeps and commit job retention. Every instance runs the same schedule; the
// jobs are idempotent across instances.
func StartMaintenanceScheduler(ctx context.Context, janitor *JanitorService, queue *CommitQueueService) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()

	sweepEvery := utils.EnvDuration("JANITOR_SWEEP_INTERVAL", 30*time.Second)
	completedRetention := utils.EnvDuration("COMMIT_COMPLETED_RETENTION", 24*time.Hour)
	failedRetention := utils.EnvDuration("COMMIT_FAILED_RETENTION", 7*24*time.Hour)

	// Every sweep interval: evict stuck rooms
	if _, err := sched.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(func() {
			janitor.Sweep(ctx)
		}),
	); err != nil {
		return nil, err
	}

	// Hourly: drop completed commit jobs past retention
	if _, err := sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			queue.PruneCompleted(ctx, completedRetention)
		}),
	); err != nil {
		return nil, err
	}

	// Daily: drop permanently failed commit jobs past their longer retention
	if _, err := sched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			queue.PruneFailed(ctx, failedRetention)
		}),
	); err != nil {
		return nil, err
	}

	log.Printf("[Scheduler] maintenance jobs scheduled (sweep every %s)", sweepEvery)
	return sched, nil
}
