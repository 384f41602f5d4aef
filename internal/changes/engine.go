package changes

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/metrics"
)

// Engine consumes snapshot completions and derives per-space transitions
// against the previous snapshot of the same camera. Jobs are decoupled from
// the capture pipeline by a bounded queue; the queue order is irrelevant
// because every diff re-reads its predecessor by detected_at at run time.
type Engine struct {
	Snapshots data.SnapshotRepository
	Changes   data.ChangeRepository
	Publisher Publisher
	Metrics   *metrics.Metrics

	Workers  int
	Backoffs []time.Duration

	jobs chan int64
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewEngine(snaps data.SnapshotRepository, changes data.ChangeRepository, pub Publisher, m *metrics.Metrics) *Engine {
	return &Engine{
		Snapshots: snaps,
		Changes:   changes,
		Publisher: pub,
		Metrics:   m,
		Workers:   2,
		Backoffs:  []time.Duration{time.Second, 3 * time.Second, 9 * time.Second},
		jobs:      make(chan int64, 256),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	for i := 0; i < e.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

func (e *Engine) Stop() {
	close(e.jobs)
	e.wg.Wait()
}

// Enqueue schedules change inference for a snapshot. Non-blocking: a full
// queue drops the job with a log line; the snapshot stays queryable with
// change_count 0, same as a permanently failing job.
func (e *Engine) Enqueue(snapshotID int64) {
	select {
	case e.jobs <- snapshotID:
		if e.Metrics != nil {
			e.Metrics.ChangeJobDepth.Set(float64(len(e.jobs)))
		}
	default:
		log.Printf("[ChangeEngine] queue full, dropping snapshot %d", snapshotID)
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for id := range e.jobs {
		if e.Metrics != nil {
			e.Metrics.ChangeJobDepth.Set(float64(len(e.jobs)))
		}
		e.runWithRetry(ctx, id)
	}
}

func (e *Engine) runWithRetry(ctx context.Context, snapshotID int64) {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.Process(ctx, snapshotID)
		if err == nil {
			return
		}
		if attempt >= len(e.Backoffs) {
			break
		}
		log.Printf("[ChangeEngine] snapshot %d attempt %d failed: %v", snapshotID, attempt+1, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.Backoffs[attempt]):
		}
	}
	log.Printf("[ChangeEngine] snapshot %d abandoned after retries: %v", snapshotID, err)
}

// Process runs one diff. Exported so reruns and tests can invoke a single
// inference synchronously.
func (e *Engine) Process(ctx context.Context, snapshotID int64) error {
	snap, err := e.Snapshots.GetByID(ctx, snapshotID)
	if err != nil {
		return err
	}
	states, err := e.Snapshots.States(ctx, snapshotID)
	if err != nil {
		return err
	}

	prev, err := e.Snapshots.Prev(ctx, snap.IP, snap.Channel, snap.DetectedAt, snap.ID)
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return err
	}

	var prevStates map[string]data.SpaceState
	var prevID *int64
	if prev != nil {
		ps, err := e.Snapshots.States(ctx, prev.ID)
		if err != nil {
			return err
		}
		prevStates = make(map[string]data.SpaceState, len(ps))
		for _, s := range ps {
			prevStates[s.SpaceID] = s
		}
		prevID = &prev.ID
	}

	records := make([]data.ChangeRecord, 0, len(states))
	changeCount := 0
	for _, curr := range states {
		rec := data.ChangeRecord{
			SnapshotID:     snap.ID,
			PrevSnapshotID: prevID,
			SpaceID:        curr.SpaceID,
			SpaceName:      curr.SpaceName,
			CurrOccupied:   curr.Occupied,
			Confidence:     curr.Confidence,
			DetectedAt:     snap.DetectedAt,
		}
		if prev != nil {
			if ps, ok := prevStates[curr.SpaceID]; ok {
				rec.PrevOccupied = ps.Occupied
			}
			rec.ChangeType = Classify(rec.PrevOccupied, curr.Occupied)
		}
		// First snapshot for the camera: prev_occupied and change_type
		// stay NULL per the contract.
		if rec.ChangeType != nil {
			changeCount++
		}
		records = append(records, rec)
	}

	if err := e.Changes.WriteChanges(ctx, snap.ID, changeCount, records); err != nil {
		return err
	}

	e.publish(snap, records)
	return nil
}

func (e *Engine) publish(snap *data.Snapshot, records []data.ChangeRecord) {
	for _, rec := range records {
		if rec.ChangeType == nil {
			continue
		}
		if e.Metrics != nil {
			e.Metrics.ChangesTotal.WithLabelValues(*rec.ChangeType).Inc()
		}
		if e.Publisher == nil || *rec.ChangeType == data.ChangeUnknown {
			continue
		}
		evt := &ChangeEvent{
			IP:         snap.IP,
			Channel:    snap.Channel,
			SpaceID:    rec.SpaceID,
			SpaceName:  rec.SpaceName,
			ChangeType: *rec.ChangeType,
			Confidence: rec.Confidence,
			SnapshotID: snap.ID,
			DetectedAt: rec.DetectedAt,
		}
		if err := e.Publisher.Publish(evt); err != nil {
			log.Printf("[ChangeEngine] publish %s %s/%s space %s: %v",
				evt.ChangeType, evt.IP, evt.Channel, evt.SpaceID, err)
		}
	}
}

// Classify maps a (prev, curr) occupancy pair onto the transition table.
// nil return means "no change".
func Classify(prev, curr *bool) *string {
	strPtr := func(s string) *string { return &s }

	switch {
	case prev == nil && curr == nil:
		return nil
	case prev == nil:
		return strPtr(data.ChangeUnknown)
	case curr == nil:
		return strPtr(data.ChangeUnknown)
	case !*prev && *curr:
		return strPtr(data.ChangeArrive)
	case *prev && !*curr:
		return strPtr(data.ChangeLeave)
	default:
		return nil
	}
}
