package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/detect"
	"github.com/technosupport/ts-parkwatch/internal/rtsp"
)

// --- fakes ---

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[int64]*data.Task
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[int64]*data.Task)}
}

func (m *memTaskRepo) add(t *data.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

func (m *memTaskRepo) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Status
}

func (m *memTaskRepo) errMsg(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[id].Error == nil {
		return ""
	}
	return *m.tasks[id].Error
}

func (m *memTaskRepo) GetByID(_ context.Context, id int64) (*data.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskRepo) UpdateStatusIf(_ context.Context, id int64, from []string, to string, errMsg *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if t.Status == s {
			t.Status = to
			t.Error = errMsg
			t.OperationTime = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

// completeFromPlaying mirrors the transactional snapshot commit.
func (m *memTaskRepo) completeFromPlaying(id int64, shot string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != data.TaskStatusPlaying {
		return false
	}
	t.Status = data.TaskStatusScreenshotTaken
	t.ScreenshotPath = &shot
	t.Error = nil
	return true
}

func (m *memTaskRepo) InsertIgnore(context.Context, []*data.Task) (int, error) { panic("not used") }
func (m *memTaskRepo) List(context.Context, data.TaskFilter, int, int) ([]*data.Task, int, error) {
	panic("not used")
}
func (m *memTaskRepo) ListIDs(_ context.Context, f data.TaskFilter) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, t := range m.tasks {
		if f.TaskID != nil && id != *f.TaskID {
			continue
		}
		if len(f.StatusIn) > 0 {
			match := false
			for _, s := range f.StatusIn {
				if t.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
func (m *memTaskRepo) ResetForRerun(_ context.Context, f data.TaskFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if f.TaskID != nil && id != *f.TaskID {
			continue
		}
		if t.Status == data.TaskStatusPlaying {
			continue
		}
		t.Status = data.TaskStatusPending
		t.Error = nil
		n++
	}
	return n, nil
}
func (m *memTaskRepo) SweepStalePlaying(context.Context, time.Time, int, time.Duration) (int64, error) {
	return 0, nil
}
func (m *memTaskRepo) ReconcileScreenshotTaken(context.Context) (int64, error) { return 0, nil }
func (m *memTaskRepo) CountByStatus(context.Context, string) (map[string]int, error) {
	panic("not used")
}
func (m *memTaskRepo) Delete(context.Context, int64) error { panic("not used") }
func (m *memTaskRepo) DeleteMatching(context.Context, string, string, string) (int64, error) {
	panic("not used")
}
func (m *memTaskRepo) AvailableDates(context.Context) ([]string, error)    { panic("not used") }
func (m *memTaskRepo) AvailableIPs(context.Context) ([]string, error)      { panic("not used") }
func (m *memTaskRepo) AvailableChannels(context.Context) ([]string, error) { panic("not used") }

type memSnapshotRepo struct {
	mu        sync.Mutex
	tasks     *memTaskRepo
	next      int64
	snaps     []*data.Snapshot
	commitErr error
}

func (m *memSnapshotRepo) CreateWithStates(_ context.Context, snap *data.Snapshot, states []data.SpaceState) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	if !m.tasks.completeFromPlaying(snap.TaskID, snap.ImagePath) {
		return data.ErrRecordNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	snap.ID = m.next
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memSnapshotRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func (m *memSnapshotRepo) GetByID(context.Context, int64) (*data.Snapshot, error) { panic("not used") }
func (m *memSnapshotRepo) Prev(context.Context, string, string, time.Time, int64) (*data.Snapshot, error) {
	panic("not used")
}
func (m *memSnapshotRepo) States(context.Context, int64) ([]data.SpaceState, error) {
	panic("not used")
}
func (m *memSnapshotRepo) ListByTask(context.Context, []int64) (map[int64]*data.Snapshot, error) {
	panic("not used")
}
func (m *memSnapshotRepo) ListForImages(context.Context, data.TaskFilter, int, int) ([]*data.ImageRow, int, error) {
	panic("not used")
}

type memConfigRepo struct {
	spaces []*data.ParkingSpace
}

func (m *memConfigRepo) SpacesForCamera(context.Context, string, string) ([]*data.ParkingSpace, *data.ChannelConfig, error) {
	if m.spaces == nil {
		return nil, nil, data.ErrRecordNotFound
	}
	return m.spaces, &data.ChannelConfig{ID: 1, ChannelCode: "c1"}, nil
}
func (m *memConfigRepo) CreateNvr(context.Context, *data.NvrConfig) error { panic("not used") }
func (m *memConfigRepo) UpdateNvr(context.Context, *data.NvrConfig) error { panic("not used") }
func (m *memConfigRepo) DeleteNvr(context.Context, int64) error           { panic("not used") }
func (m *memConfigRepo) GetNvr(context.Context, int64) (*data.NvrConfig, error) {
	panic("not used")
}
func (m *memConfigRepo) ListNvrs(context.Context, int, int) ([]*data.NvrConfig, int, error) {
	panic("not used")
}

type memBlob struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{puts: make(map[string][]byte)} }

func (b *memBlob) Put(rel string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts[rel] = data
	return nil
}
func (b *memBlob) Open(string) (io.ReadCloser, error) { panic("not used") }
func (b *memBlob) Stat(rel string) (int64, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.puts[rel]; ok {
		return int64(len(d)), time.Now(), nil
	}
	return 0, time.Time{}, errors.New("not found")
}
func (b *memBlob) Remove(string) error { return nil }

// fakeGrabber returns a real JPEG so annotation has something to decode.
type fakeGrabber struct {
	mu        sync.Mutex
	active    int32
	maxActive int32
	delay     time.Duration
	failures  map[string][]error // url -> errors to return before succeeding
	frame     []byte
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 192, 108))
	for y := 0; y < 108; y++ {
		for x := 0; x < 192; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func (g *fakeGrabber) Grab(ctx context.Context, url string, _, _ time.Duration) ([]byte, error) {
	cur := atomic.AddInt32(&g.active, 1)
	defer atomic.AddInt32(&g.active, -1)
	for {
		prev := atomic.LoadInt32(&g.maxActive)
		if cur <= prev || atomic.CompareAndSwapInt32(&g.maxActive, prev, cur) {
			break
		}
	}

	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: timeout", rtsp.ErrTransport)
		case <-time.After(g.delay):
		}
	}

	g.mu.Lock()
	if errs := g.failures[url]; len(errs) > 0 {
		err := errs[0]
		g.failures[url] = errs[1:]
		g.mu.Unlock()
		return nil, err
	}
	g.mu.Unlock()
	return g.frame, nil
}

type fakeDetector struct {
	states []detect.State
	err    error
	calls  int32
}

func (d *fakeDetector) Detect(_ context.Context, _ []byte, spaces []detect.Space) ([]detect.State, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.err != nil {
		return nil, d.err
	}
	if d.states != nil {
		return d.states, nil
	}
	out := make([]detect.State, len(spaces))
	for i, sp := range spaces {
		occupied := true
		conf := 0.9
		out[i] = detect.State{SpaceID: sp.SpaceID, Occupied: &occupied, Confidence: &conf}
	}
	return out, nil
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeEnqueuer) Enqueue(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

// --- harness ---

type harness struct {
	tasks    *memTaskRepo
	snaps    *memSnapshotRepo
	configs  *memConfigRepo
	blob     *memBlob
	grabber  *fakeGrabber
	detector *fakeDetector
	changes  *fakeEnqueuer
	engine   *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	tasks := newMemTaskRepo()
	snaps := &memSnapshotRepo{tasks: tasks}
	configs := &memConfigRepo{spaces: []*data.ParkingSpace{
		{SpaceID: "A1", SpaceName: "A1", BboxX1: 100, BboxY1: 100, BboxX2: 400, BboxY2: 300},
	}}
	grabber := &fakeGrabber{frame: testJPEG(t), failures: map[string][]error{}}
	detector := &fakeDetector{}
	blobStore := newMemBlob()
	enq := &fakeEnqueuer{}

	eng := New(tasks, snaps, configs, blobStore, grabber, detector, enq, nil, nil, opts)
	return &harness{
		tasks: tasks, snaps: snaps, configs: configs, blob: blobStore,
		grabber: grabber, detector: detector, changes: enq, engine: eng,
	}
}

func mkTask(id int64, ip, channel string, start, end int64) *data.Task {
	return &data.Task{
		ID: id, Date: "2025-12-19", Index: int(id), StartTS: start, EndTS: end,
		RTSPURL: fmt.Sprintf("rtsp://u:p@%s:554/%s/b%d/e%d/replay/s1", ip, channel, start, end),
		IP:      ip, Channel: channel, Status: data.TaskStatusPending,
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.engine.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not drain in time")
	}
}

// --- tests ---

func TestEngine_HappyPath(t *testing.T) {
	h := newHarness(t, Options{})
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	h.tasks.add(task)

	require.NoError(t, h.engine.Submit(1))
	h.waitIdle(t)

	assert.Equal(t, data.TaskStatusScreenshotTaken, h.tasks.status(1))
	assert.Equal(t, 1, h.snaps.count())
	assert.Equal(t, 1, h.changes.count())

	// Both the frame and its annotated variant must be on disk.
	_, _, err := h.blob.Stat("2025-12-19/10_0_0_1_1000_1599_c1.jpg")
	assert.NoError(t, err)
	_, _, err = h.blob.Stat("2025-12-19/10_0_0_1_1000_1599_c1_detected.jpg")
	assert.NoError(t, err)
}

func TestEngine_ComboCap(t *testing.T) {
	h := newHarness(t, Options{MaxComboConcurrency: 4, MaxWorkersPerCombo: 2})
	h.grabber.delay = 100 * time.Millisecond

	for i := int64(1); i <= 20; i++ {
		h.tasks.add(mkTask(i, "10.0.0.1", "c1", i*1000, i*1000+599))
	}
	for i := int64(1); i <= 20; i++ {
		require.NoError(t, h.engine.Submit(i))
	}
	h.waitIdle(t)

	assert.LessOrEqual(t, h.grabber.maxActive, int32(2),
		"a single combo must never exceed MAX_WORKERS_PER_COMBO")
	assert.Equal(t, 20, h.snaps.count(), "all tasks eventually terminate")
	for i := int64(1); i <= 20; i++ {
		assert.Equal(t, data.TaskStatusScreenshotTaken, h.tasks.status(i))
	}
}

func TestEngine_GlobalCap(t *testing.T) {
	h := newHarness(t, Options{MaxComboConcurrency: 4, MaxWorkersPerCombo: 2})
	h.grabber.delay = 80 * time.Millisecond

	// 8 distinct combos, 1 task each: the global cap of 4 is the binding
	// constraint.
	for i := int64(1); i <= 8; i++ {
		h.tasks.add(mkTask(i, fmt.Sprintf("10.0.0.%d", i), "c1", 1000, 1599))
	}
	for i := int64(1); i <= 8; i++ {
		require.NoError(t, h.engine.Submit(i))
	}
	h.waitIdle(t)

	assert.LessOrEqual(t, h.grabber.maxActive, int32(4))
	assert.Equal(t, 8, h.snaps.count())
}

func TestEngine_TransportRetrySucceeds(t *testing.T) {
	h := newHarness(t, Options{RetryCount: 2, RetryBackoff: 10 * time.Millisecond})
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	h.tasks.add(task)
	h.grabber.failures[task.RTSPURL] = []error{
		fmt.Errorf("%w: connection refused", rtsp.ErrTransport),
		fmt.Errorf("%w: connection reset", rtsp.ErrTransport),
	}

	require.NoError(t, h.engine.Submit(1))
	h.waitIdle(t)

	assert.Equal(t, data.TaskStatusScreenshotTaken, h.tasks.status(1))
}

func TestEngine_TransportRetriesExhausted(t *testing.T) {
	h := newHarness(t, Options{RetryCount: 2, RetryBackoff: 10 * time.Millisecond})
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	h.tasks.add(task)
	h.grabber.failures[task.RTSPURL] = []error{
		fmt.Errorf("%w: connection refused", rtsp.ErrTransport),
		fmt.Errorf("%w: connection refused", rtsp.ErrTransport),
		fmt.Errorf("%w: connection refused", rtsp.ErrTransport),
	}

	require.NoError(t, h.engine.Submit(1))
	h.waitIdle(t)

	assert.Equal(t, data.TaskStatusFailed, h.tasks.status(1))
	assert.Contains(t, h.tasks.errMsg(1), "connection refused")
	assert.Equal(t, 0, h.snaps.count())
}

func TestEngine_DecoderFailureNotRetried(t *testing.T) {
	h := newHarness(t, Options{RetryCount: 2, RetryBackoff: 10 * time.Millisecond})
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	h.tasks.add(task)
	h.grabber.failures[task.RTSPURL] = []error{
		errors.New("decode failed: moov atom not found"),
	}

	require.NoError(t, h.engine.Submit(1))
	h.waitIdle(t)

	assert.Equal(t, data.TaskStatusFailed, h.tasks.status(1))
	// One failure, no retries: the grabber queue holds no leftover errors.
	assert.Empty(t, h.grabber.failures[task.RTSPURL])
}

func TestEngine_ConflictSkips(t *testing.T) {
	h := newHarness(t, Options{})
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	task.Status = data.TaskStatusPlaying // another worker owns it
	h.tasks.add(task)

	require.NoError(t, h.engine.Submit(1))
	h.waitIdle(t)

	assert.Equal(t, data.TaskStatusPlaying, h.tasks.status(1))
	assert.Equal(t, 0, h.snaps.count())
}

func TestEngine_RerunRearmsTerminalStates(t *testing.T) {
	h := newHarness(t, Options{})
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	task.Status = data.TaskStatusFailed
	h.tasks.add(task)

	n, err := h.engine.Rerun(context.Background(), data.TaskFilter{TaskID: &task.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitIdle(t)

	assert.Equal(t, data.TaskStatusScreenshotTaken, h.tasks.status(1))
}

func TestEngine_SubmitAfterShutdown(t *testing.T) {
	h := newHarness(t, Options{DrainGrace: 100 * time.Millisecond})
	h.engine.Shutdown()

	err := h.engine.Submit(1)
	assert.ErrorIs(t, err, ErrDraining)
}

func TestEngine_StoreCommitFailureLeavesTaskPlaying(t *testing.T) {
	h := newHarness(t, Options{})
	h.snaps.commitErr = errors.New("connection to server lost")
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	h.tasks.add(task)

	require.NoError(t, h.engine.Submit(1))
	h.waitIdle(t)

	// The task stays playing for the stale sweep instead of flipping to
	// failed on a store outage.
	assert.Equal(t, data.TaskStatusPlaying, h.tasks.status(1))
	assert.Equal(t, 0, h.changes.count())
}

func TestEngine_DetectorErrorFailsTask(t *testing.T) {
	h := newHarness(t, Options{})
	h.detector.err = errors.New("inference backend gone")
	task := mkTask(1, "10.0.0.1", "c1", 1000, 1599)
	h.tasks.add(task)

	require.NoError(t, h.engine.Submit(1))
	h.waitIdle(t)

	assert.Equal(t, data.TaskStatusFailed, h.tasks.status(1))
	assert.Equal(t, 0, h.snaps.count())
}
