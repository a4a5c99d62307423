// workers/chain_submit_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/services"
)

// ChainSubmitWorker drains the commit queue on a fixed tick. Multiple
// instances may run it at once; the queue's claim step keeps each job on a
// single worker.
type ChainSubmitWorker struct {
	queue    *services.CommitQueueService
	interval time.Duration
}

func NewChainSubmitWorker(queue *services.CommitQueueService, interval time.Duration) *ChainSubmitWorker {
	return &ChainSubmitWorker{queue: queue, interval: interval}
}

func (w *ChainSubmitWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting chain submit worker (commit queue → relay)…")
	go w.run(ctx)
}

func (w *ChainSubmitWorker) run(ctx context.Context) {
	// First pass immediately so restarts pick up backlog without waiting a tick.
	w.queue.ProcessDue(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.queue.ProcessDue(ctx)
		case <-ctx.Done():
			log.Println("⏹️ Chain submit worker stopped")
			return
		}
	}
}
