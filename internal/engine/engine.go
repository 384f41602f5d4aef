package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-parkwatch/internal/blob"
	"github.com/technosupport/ts-parkwatch/internal/clock"
	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/detect"
	"github.com/technosupport/ts-parkwatch/internal/metrics"
	"github.com/technosupport/ts-parkwatch/internal/rtsp"
)

var (
	// ErrDraining is returned by Submit once shutdown has begun.
	ErrDraining = errors.New("engine draining")
	// ErrConflict marks the expected race where another worker already owns
	// the task; callers skip silently.
	ErrConflict = errors.New("task owned by another worker")

	// errStoreCommit marks a rejected snapshot commit. The task stays
	// playing; the stale-playing sweep makes it eligible for rerun.
	errStoreCommit = errors.New("snapshot commit rejected")
)

// ChangeEnqueuer receives completed snapshot ids for change inference.
type ChangeEnqueuer interface {
	Enqueue(snapshotID int64)
}

// Options are the engine's process-wide knobs, injected at construction.
type Options struct {
	MaxComboConcurrency int
	MaxWorkersPerCombo  int
	ConnectTimeout      time.Duration
	RetryCount          int
	RetryBackoff        time.Duration
	DeadlineFactor      int
	DrainGrace          time.Duration
	ReferenceWidth      int
	ReferenceHeight     int
}

func (o *Options) fill() {
	if o.MaxComboConcurrency == 0 {
		o.MaxComboConcurrency = 4
	}
	if o.MaxWorkersPerCombo == 0 {
		o.MaxWorkersPerCombo = 2
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.RetryCount == 0 {
		o.RetryCount = 2
	}
	if o.DeadlineFactor == 0 {
		o.DeadlineFactor = 2
	}
	if o.DrainGrace == 0 {
		o.DrainGrace = 15 * time.Second
	}
	if o.ReferenceWidth == 0 {
		o.ReferenceWidth = 1920
	}
	if o.ReferenceHeight == 0 {
		o.ReferenceHeight = 1080
	}
}

// Engine runs capture tasks under two layered concurrency caps: a global
// permit set bounds cross-stream parallelism, a per-combo permit set bounds
// workers hitting a single camera. Permits are acquired global-first and
// released in reverse.
type Engine struct {
	Tasks     data.TaskRepository
	Snapshots data.SnapshotRepository
	Configs   data.ConfigRepository
	Blob      blob.Store
	Grabber   rtsp.Grabber
	Detector  detect.Detector
	Changes   ChangeEnqueuer
	Metrics   *metrics.Metrics
	Clock     clock.Clock

	opts Options

	global *semaphore
	combos *comboSemaphores

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(tasks data.TaskRepository, snaps data.SnapshotRepository, cfgs data.ConfigRepository,
	store blob.Store, grabber rtsp.Grabber, detector detect.Detector, changes ChangeEnqueuer,
	m *metrics.Metrics, clk clock.Clock, opts Options) *Engine {

	opts.fill()
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Tasks:      tasks,
		Snapshots:  snaps,
		Configs:    cfgs,
		Blob:       store,
		Grabber:    grabber,
		Detector:   detector,
		Changes:    changes,
		Metrics:    m,
		Clock:      clk,
		opts:       opts,
		global:     newSemaphore(opts.MaxComboConcurrency),
		combos:     newComboSemaphores(opts.MaxWorkersPerCombo),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Submit schedules one task for execution. Returns immediately; the task
// waits for permits in its own goroutine, which is how backpressure is
// expressed when every permit is busy.
func (e *Engine) Submit(taskID int64) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return ErrDraining
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()
		if err := e.execute(taskID); err != nil && !errors.Is(err, ErrConflict) {
			log.Printf("[Engine] task %d: %v", taskID, err)
		}
	}()
	return nil
}

// SubmitAll submits every id, stopping early when draining.
func (e *Engine) SubmitAll(ids []int64) (int, error) {
	for i, id := range ids {
		if err := e.Submit(id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// Rerun re-arms matching terminal tasks to pending and submits them.
func (e *Engine) Rerun(ctx context.Context, filter data.TaskFilter) (int, error) {
	if _, err := e.Tasks.ResetForRerun(ctx, filter); err != nil {
		return 0, err
	}
	filter.StatusIn = []string{data.TaskStatusPending}
	ids, err := e.Tasks.ListIDs(ctx, filter)
	if err != nil {
		return 0, err
	}
	return e.SubmitAll(ids)
}

// Shutdown begins a cooperative drain: new submissions fail immediately,
// in-flight tasks get the configured grace before the base context is cut.
// Abandoned tasks are recovered later by the stale-playing sweep.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.opts.DrainGrace):
		log.Printf("[Engine] drain grace expired, abandoning in-flight tasks")
	}
	e.cancelBase()
}

func comboKey(ip, channel string) string {
	return ip + "|" + strings.ToLower(channel)
}

func (e *Engine) execute(taskID int64) error {
	ctx := e.baseCtx

	task, err := e.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	if e.Metrics != nil {
		e.Metrics.ComboWaiting.Inc()
	}
	if err := e.global.Acquire(ctx); err != nil {
		if e.Metrics != nil {
			e.Metrics.ComboWaiting.Dec()
		}
		return err
	}
	combo := e.combos.Get(comboKey(task.IP, task.Channel))
	if err := combo.Acquire(ctx); err != nil {
		e.global.Release()
		if e.Metrics != nil {
			e.Metrics.ComboWaiting.Dec()
		}
		return err
	}
	if e.Metrics != nil {
		e.Metrics.ComboWaiting.Dec()
	}
	defer func() {
		combo.Release()
		e.global.Release()
	}()

	return e.runTask(ctx, task)
}

func (e *Engine) runTask(ctx context.Context, task *data.Task) error {
	// Claim the task. Zero rows means another worker owns it.
	claimed, err := e.Tasks.UpdateStatusIf(ctx, task.ID,
		[]string{data.TaskStatusPending, data.TaskStatusFailed, data.TaskStatusScreenshotTaken},
		data.TaskStatusPlaying, nil)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		return ErrConflict
	}

	if e.Metrics != nil {
		e.Metrics.TasksPlaying.Inc()
		defer e.Metrics.TasksPlaying.Dec()
	}
	started := e.Clock.Now()

	window := time.Duration(task.WindowSeconds()) * time.Second
	deadline := time.Duration(e.opts.DeadlineFactor) * window
	if deadline < 30*time.Second {
		deadline = 30 * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	err = e.capture(taskCtx, task)

	outcome := "ok"
	switch {
	case err == nil:
	case taskCtx.Err() == context.DeadlineExceeded:
		outcome = "deadline"
		e.fail(task.ID, "deadline")
	case errors.Is(err, rtsp.ErrTransport):
		outcome = "transport"
		e.fail(task.ID, trimErr(err))
	case errors.Is(err, data.ErrRecordNotFound):
		// The reaper re-armed the task mid-flight; drop our result.
		outcome = "conflict"
	case errors.Is(err, errStoreCommit):
		// Leave the task playing; the sweep recovers it once the store is
		// back.
		outcome = "store"
	default:
		outcome = "error"
		e.fail(task.ID, trimErr(err))
	}

	if e.Metrics != nil {
		e.Metrics.CapturesTotal.WithLabelValues(outcome).Inc()
		e.Metrics.CaptureDuration.Observe(e.Clock.Now().Sub(started).Seconds())
	}
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}

// capture runs the per-task pipeline: grab, persist, detect, commit, enqueue.
func (e *Engine) capture(ctx context.Context, task *data.Task) error {
	window := time.Duration(task.WindowSeconds()) * time.Second
	readTimeout := 30 * time.Second
	if window < readTimeout {
		readTimeout = window
	}

	frame, err := e.grabWithRetry(ctx, task.RTSPURL, readTimeout)
	if err != nil {
		return err
	}

	imagePath := blob.ScreenshotPath(task.Date, task.IP, task.StartTS, task.EndTS, task.Channel)
	if err := e.Blob.Put(imagePath, frame); err != nil {
		return fmt.Errorf("persist frame: %w", err)
	}

	spaces, _, err := e.Configs.SpacesForCamera(ctx, task.IP, task.Channel)
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return fmt.Errorf("load spaces: %w", err)
	}

	detSpaces := make([]detect.Space, 0, len(spaces))
	for _, sp := range spaces {
		detSpaces = append(detSpaces, detect.Space{
			SpaceID:   sp.SpaceID,
			SpaceName: sp.SpaceName,
			X1:        sp.BboxX1,
			Y1:        sp.BboxY1,
			X2:        sp.BboxX2,
			Y2:        sp.BboxY2,
		})
	}

	var states []detect.State
	if len(detSpaces) > 0 {
		states, err = e.Detector.Detect(ctx, frame, detSpaces)
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}
	}

	detectedPath := blob.DetectedPath(imagePath)
	annotated, err := detect.Annotate(frame, detSpaces, states, e.opts.ReferenceWidth, e.opts.ReferenceHeight)
	if err != nil {
		return fmt.Errorf("annotate: %w", err)
	}
	if err := e.Blob.Put(detectedPath, annotated); err != nil {
		return fmt.Errorf("persist annotated frame: %w", err)
	}

	snap := &data.Snapshot{
		TaskID:            task.ID,
		IP:                task.IP,
		Channel:           strings.ToLower(task.Channel),
		ImagePath:         imagePath,
		DetectedImagePath: detectedPath,
		DetectedAt:        e.Clock.Now().UTC(),
	}
	dbStates := make([]data.SpaceState, 0, len(states))
	for i, st := range states {
		dbStates = append(dbStates, data.SpaceState{
			SpaceID:    st.SpaceID,
			SpaceName:  detSpaces[i].SpaceName,
			Occupied:   st.Occupied,
			Confidence: st.Confidence,
		})
	}

	if err := e.Snapshots.CreateWithStates(ctx, snap, dbStates); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", errStoreCommit, err)
	}

	if e.Changes != nil {
		e.Changes.Enqueue(snap.ID)
	}
	return nil
}

// grabWithRetry retries transport failures with a fixed backoff; decoder
// failures surface immediately.
func (e *Engine) grabWithRetry(ctx context.Context, url string, readTimeout time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.opts.RetryBackoff):
			}
		}
		frame, err := e.Grabber.Grab(ctx, url, e.opts.ConnectTimeout, readTimeout)
		if err == nil {
			return frame, nil
		}
		lastErr = err
		if !errors.Is(err, rtsp.ErrTransport) {
			return nil, err
		}
	}
	return nil, lastErr
}

// fail records a terminal failure. Uses a fresh context so a cancelled task
// context cannot block the bookkeeping write.
func (e *Engine) fail(taskID int64, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(msg) > 500 {
		msg = msg[:500]
	}
	if _, err := e.Tasks.UpdateStatusIf(ctx, taskID,
		[]string{data.TaskStatusPlaying}, data.TaskStatusFailed, &msg); err != nil {
		log.Printf("[Engine] task %d: record failure: %v", taskID, err)
	}
}

func trimErr(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	return msg
}
