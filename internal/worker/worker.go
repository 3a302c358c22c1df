package worker

import (
	"context"
	"time"

	"github.com/dwellfi/provision-brain/internal/brain"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
)

const DefaultResumeInterval = 30 * time.Second

// Worker periodically sweeps for jobs whose owner lease lapsed and adopts
// them. The first sweep runs immediately so a restart picks its old jobs back
// up without waiting an interval.
type Worker struct {
	brain    *brain.Brain
	log      *logger.Logger
	interval time.Duration
}

func New(b *brain.Brain, log *logger.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultResumeInterval
	}
	return &Worker{brain: b, log: log.With("component", "ResumeWorker"), interval: interval}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		w.sweep(ctx)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

func (w *Worker) sweep(ctx context.Context) {
	adopted, err := w.brain.Resume(ctx)
	if err != nil {
		w.log.Warn("Resume sweep failed", "error", err)
		return
	}
	if adopted > 0 {
		w.log.Info("Adopted orphaned jobs", "count", adopted)
	}
}
