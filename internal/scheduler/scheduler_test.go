package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkwatch/internal/clock"
	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/planner"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakePlanner struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePlanner) Plan(_ context.Context, date, base, channel string, interval int) (*planner.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, date+"|"+base+"|"+channel)
	return &planner.Result{Created: 3, Total: 3}, nil
}

func (p *fakePlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []int64
	reruns    int
}

func (s *fakeSubmitter) SubmitAll(ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, ids...)
	return len(ids), nil
}

func (s *fakeSubmitter) Rerun(_ context.Context, _ data.TaskFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reruns++
	return 1, nil
}

type fakeRuleRepo struct {
	mu    sync.Mutex
	rules map[int64]*data.AutoRule
	marks []string
}

func newFakeRuleRepo() *fakeRuleRepo { return &fakeRuleRepo{rules: make(map[int64]*data.AutoRule)} }

func (r *fakeRuleRepo) ListEnabled(context.Context) ([]*data.AutoRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*data.AutoRule
	for _, rule := range r.rules {
		if rule.IsEnabled {
			cp := *rule
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRuleRepo) MarkExecution(_ context.Context, id int64, at time.Time, status string, _ *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule := r.rules[id]
	rule.LastExecutedAt = &at
	rule.LastExecStatus = status
	if status == data.RuleExecRunning {
		rule.ExecutionCount++
	}
	r.marks = append(r.marks, status)
	return nil
}

func (r *fakeRuleRepo) Create(context.Context, *data.AutoRule) error { panic("not used") }
func (r *fakeRuleRepo) Update(context.Context, *data.AutoRule) error { panic("not used") }
func (r *fakeRuleRepo) Delete(context.Context, int64) error          { panic("not used") }
func (r *fakeRuleRepo) GetByID(context.Context, int64) (*data.AutoRule, error) {
	panic("not used")
}
func (r *fakeRuleRepo) ListAll(context.Context) ([]*data.AutoRule, error) { panic("not used") }

type fakeTaskRepo struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeTaskRepo) ListIDs(context.Context, data.TaskFilter) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids, nil
}

func (f *fakeTaskRepo) InsertIgnore(context.Context, []*data.Task) (int, error) { panic("not used") }
func (f *fakeTaskRepo) GetByID(context.Context, int64) (*data.Task, error)      { panic("not used") }
func (f *fakeTaskRepo) List(context.Context, data.TaskFilter, int, int) ([]*data.Task, int, error) {
	panic("not used")
}
func (f *fakeTaskRepo) UpdateStatusIf(context.Context, int64, []string, string, *string) (bool, error) {
	panic("not used")
}
func (f *fakeTaskRepo) ResetForRerun(context.Context, data.TaskFilter) (int64, error) {
	panic("not used")
}
func (f *fakeTaskRepo) SweepStalePlaying(context.Context, time.Time, int, time.Duration) (int64, error) {
	panic("not used")
}
func (f *fakeTaskRepo) ReconcileScreenshotTaken(context.Context) (int64, error) { panic("not used") }
func (f *fakeTaskRepo) CountByStatus(context.Context, string) (map[string]int, error) {
	panic("not used")
}
func (f *fakeTaskRepo) Delete(context.Context, int64) error { panic("not used") }
func (f *fakeTaskRepo) DeleteMatching(context.Context, string, string, string) (int64, error) {
	panic("not used")
}
func (f *fakeTaskRepo) AvailableDates(context.Context) ([]string, error)    { panic("not used") }
func (f *fakeTaskRepo) AvailableIPs(context.Context) ([]string, error)      { panic("not used") }
func (f *fakeTaskRepo) AvailableChannels(context.Context) ([]string, error) { panic("not used") }

func newTestScheduler(t *testing.T) (*Scheduler, *fakeRuleRepo, *fakePlanner, *fakeSubmitter, *fakeClock) {
	t.Helper()
	cal, err := clock.NewCalendar("Asia/Shanghai")
	require.NoError(t, err)

	rules := newFakeRuleRepo()
	pl := &fakePlanner{}
	sub := &fakeSubmitter{}
	tasks := &fakeTaskRepo{ids: []int64{1, 2, 3}}
	clk := &fakeClock{}

	s := New(rules, tasks, pl, sub, cal, clk, nil)
	s.Probe = func(context.Context, string, time.Duration) error { return nil }
	return s, rules, pl, sub, clk
}

// shanghaiTime builds a UTC instant whose Shanghai wall time is the given
// hour/minute/second on 2025-12-19.
func shanghaiTime(hour, min, sec int) time.Time {
	loc, _ := time.LoadLocation("Asia/Shanghai")
	return time.Date(2025, 12, 19, hour, min, sec, 0, loc)
}

func TestTick_FiresOncePerMinute(t *testing.T) {
	s, rules, pl, sub, clk := newTestScheduler(t)

	rules.rules[1] = &data.AutoRule{
		ID: 1, Name: "r1", UseToday: true, BaseRTSP: "rtsp://u:p@10.0.0.1:554",
		Channel: "c1", IntervalMinutes: 10, TriggerTime: "18:00", IsEnabled: true,
	}

	// Two ticks land inside the trigger minute: exactly one fire.
	clk.set(shanghaiTime(18, 0, 5))
	s.Tick(context.Background())
	clk.set(shanghaiTime(18, 0, 35))
	s.Tick(context.Background())

	assert.Equal(t, 1, pl.callCount())
	assert.Equal(t, 1, rules.rules[1].ExecutionCount)
	assert.Equal(t, data.RuleExecSuccess, rules.rules[1].LastExecStatus)
	assert.Len(t, sub.submitted, 3)
}

func TestTick_OutsideTriggerMinute(t *testing.T) {
	s, rules, pl, _, clk := newTestScheduler(t)

	rules.rules[1] = &data.AutoRule{
		ID: 1, UseToday: true, BaseRTSP: "rtsp://u:p@10.0.0.1:554",
		Channel: "c1", IntervalMinutes: 10, TriggerTime: "18:00", IsEnabled: true,
	}

	clk.set(shanghaiTime(17, 59, 59))
	s.Tick(context.Background())
	clk.set(shanghaiTime(18, 1, 0))
	s.Tick(context.Background())

	assert.Equal(t, 0, pl.callCount())
	assert.Equal(t, 0, rules.rules[1].ExecutionCount)
}

func TestTick_PersistedDedupAcrossRestart(t *testing.T) {
	s, rules, pl, _, clk := newTestScheduler(t)

	fireAt := shanghaiTime(18, 0, 10)
	lastExec := fireAt.Add(-5 * time.Second) // fired earlier in the same minute
	rules.rules[1] = &data.AutoRule{
		ID: 1, UseToday: true, BaseRTSP: "rtsp://u:p@10.0.0.1:554",
		Channel: "c1", IntervalMinutes: 10, TriggerTime: "18:00", IsEnabled: true,
		LastExecutedAt: &lastExec,
	}

	clk.set(fireAt)
	s.Tick(context.Background())

	assert.Equal(t, 0, pl.callCount(), "last_executed_at in the same wall minute suppresses the fire")
}

func TestTick_CustomDate(t *testing.T) {
	s, rules, pl, _, clk := newTestScheduler(t)

	date := "2025-12-01"
	rules.rules[1] = &data.AutoRule{
		ID: 1, UseToday: false, CustomDate: &date, BaseRTSP: "rtsp://u:p@10.0.0.1:554",
		Channel: "c1", IntervalMinutes: 10, TriggerTime: "09:30", IsEnabled: true,
	}

	clk.set(shanghaiTime(9, 30, 0))
	s.Tick(context.Background())

	require.Equal(t, 1, pl.callCount())
	assert.Contains(t, pl.calls[0], "2025-12-01")
}

func TestTick_DisabledRule(t *testing.T) {
	s, rules, pl, _, clk := newTestScheduler(t)

	rules.rules[1] = &data.AutoRule{
		ID: 1, UseToday: true, BaseRTSP: "rtsp://u:p@10.0.0.1:554",
		Channel: "c1", IntervalMinutes: 10, TriggerTime: "18:00", IsEnabled: false,
	}

	clk.set(shanghaiTime(18, 0, 0))
	s.Tick(context.Background())

	assert.Equal(t, 0, pl.callCount())
}

func TestRunNow_PlansAndSubmits(t *testing.T) {
	s, _, pl, sub, clk := newTestScheduler(t)
	clk.set(shanghaiTime(12, 0, 0))

	res, submitted, err := s.RunNow(context.Background(), "2025-12-19", "rtsp://u:p@10.0.0.1:554", "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, submitted)
	assert.Equal(t, 1, pl.callCount())
	assert.Len(t, sub.submitted, 3)
}

func TestRerun_DelegatesToEngine(t *testing.T) {
	s, _, _, sub, _ := newTestScheduler(t)

	n, err := s.RerunTask(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sub.reruns)

	_, err = s.RerunMatching(context.Background(), "2025-12-19", "10.0.0.1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.reruns)
}
