package engine

import (
	"context"
	"log"
	"time"
)

// Reaper is the second recovery layer: it sweeps tasks whose executor died
// while playing back to failed so a rerun can pick them up.
type Reaper struct {
	Engine   *Engine
	Interval time.Duration
	Slack    time.Duration

	quit chan struct{}
	done chan struct{}
}

func NewReaper(e *Engine) *Reaper {
	return &Reaper{
		Engine:   e,
		Interval: time.Minute,
		Slack:    60 * time.Second,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go r.run()
}

func (r *Reaper) Stop() {
	close(r.quit)
	<-r.done
}

func (r *Reaper) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 6x the window plus slack: generous enough that a slow decode never
	// gets swept out from under a live worker.
	n, err := r.Engine.Tasks.SweepStalePlaying(ctx, r.Engine.Clock.Now(), 6, r.Slack)
	if err != nil {
		log.Printf("[Reaper] sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Reaper] recovered %d stale playing task(s)", n)
	}

	fixed, err := r.Engine.Tasks.ReconcileScreenshotTaken(ctx)
	if err != nil {
		log.Printf("[Reaper] reconcile failed: %v", err)
		return
	}
	if fixed > 0 {
		log.Printf("[Reaper] reconciled %d task(s) with an image on disk", fixed)
	}
}
