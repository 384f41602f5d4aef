package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-parkwatch/internal/clock"
	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/metrics"
	"github.com/technosupport/ts-parkwatch/internal/planner"
	"github.com/technosupport/ts-parkwatch/internal/rtsp"
)

// TaskPlanner materializes a day's tasks. Satisfied by *planner.Planner.
type TaskPlanner interface {
	Plan(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*planner.Result, error)
}

// Submitter hands work to the execution engine. Satisfied by *engine.Engine.
type Submitter interface {
	SubmitAll(ids []int64) (int, error)
	Rerun(ctx context.Context, filter data.TaskFilter) (int, error)
}

// Scheduler drives the three work triggers: the 30 s auto-rule tick,
// explicit run-now requests, and reruns of existing tasks.
type Scheduler struct {
	Rules    data.RuleRepository
	Tasks    data.TaskRepository
	Planner  TaskPlanner
	Engine   Submitter
	Calendar *clock.Calendar
	Clock    clock.Clock
	Metrics  *metrics.Metrics

	TickInterval time.Duration

	// Probe pre-checks a stream URL for run-now; replaceable in tests.
	Probe func(ctx context.Context, rtspURL string, timeout time.Duration) error

	// fired dedupes auto-rule triggers by (rule id, wall minute) so a rule
	// fires at most once inside its trigger minute even across ticks.
	fired *lru.Cache[string, struct{}]

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(rules data.RuleRepository, tasks data.TaskRepository, pl TaskPlanner,
	eng Submitter, cal *clock.Calendar, clk clock.Clock, m *metrics.Metrics) *Scheduler {

	fired, _ := lru.New[string, struct{}](1024)
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Scheduler{
		Rules:        rules,
		Tasks:        tasks,
		Planner:      pl,
		Engine:       eng,
		Calendar:     cal,
		Clock:        clk,
		Metrics:      m,
		TickInterval: 30 * time.Second,
		Probe:        rtsp.Probe,
		fired:        fired,
		quit:         make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick evaluates every enabled rule against the current wall minute.
// Exported so tests can drive it with a fake clock.
func (s *Scheduler) Tick(ctx context.Context) {
	rules, err := s.Rules.ListEnabled(ctx)
	if err != nil {
		log.Printf("[Scheduler] list rules: %v", err)
		return
	}

	now := s.Clock.Now()
	hhmm, bucket := s.Calendar.WallMinute(now)

	for _, rule := range rules {
		if rule.TriggerTime != hhmm {
			continue
		}
		key := fmt.Sprintf("%d|%d", rule.ID, bucket)
		if _, dup := s.fired.Get(key); dup {
			continue
		}
		// A restart inside the trigger minute must not double-fire: the
		// persisted last_executed_at is the second dedup layer.
		if rule.LastExecutedAt != nil {
			_, lastBucket := s.Calendar.WallMinute(*rule.LastExecutedAt)
			if lastBucket == bucket {
				continue
			}
		}
		s.fired.Add(key, struct{}{})
		s.fireRule(ctx, rule, now)
	}
}

func (s *Scheduler) fireRule(ctx context.Context, rule *data.AutoRule, now time.Time) {
	date := s.Calendar.Today(now)
	if !rule.UseToday && rule.CustomDate != nil {
		date = *rule.CustomDate
	}

	log.Printf("[Scheduler] rule %d (%s) firing for %s", rule.ID, rule.Name, date)
	if err := s.Rules.MarkExecution(ctx, rule.ID, now, data.RuleExecRunning, nil); err != nil {
		log.Printf("[Scheduler] rule %d: mark running: %v", rule.ID, err)
	}

	err := s.runPlanAndSubmit(ctx, date, rule.BaseRTSP, rule.Channel, rule.IntervalMinutes,
		[]string{data.TaskStatusPending})

	outcome := data.RuleExecSuccess
	var execErr *string
	if err != nil {
		outcome = data.RuleExecFailed
		msg := err.Error()
		execErr = &msg
		log.Printf("[Scheduler] rule %d failed: %v", rule.ID, err)
	}
	if s.Metrics != nil {
		s.Metrics.RuleFiresTotal.WithLabelValues(outcome).Inc()
	}
	if err := s.Rules.MarkExecution(ctx, rule.ID, now, outcome, execErr); err != nil {
		log.Printf("[Scheduler] rule %d: mark %s: %v", rule.ID, outcome, err)
	}
}

// RunNow materializes the plan and submits every matching resubmittable
// task. The stream probe is advisory: a dead stream logs a warning and the
// plan still lands, matching operator expectations for replay NVRs.
func (s *Scheduler) RunNow(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*planner.Result, int, error) {
	res, err := s.Planner.Plan(ctx, date, baseRTSP, channel, intervalMinutes)
	if err != nil {
		return nil, 0, err
	}

	// Probe the first window's URL; failure warns but never blocks the plan.
	if dayStart, _, derr := s.Calendar.DayRange(date); derr == nil && s.Probe != nil {
		probeURL := rtsp.Build(baseRTSP, channel, dayStart, dayStart+int64(intervalMinutes)*60-1)
		if err := s.Probe(ctx, probeURL, 5*time.Second); err != nil {
			log.Printf("[Scheduler] rtsp pre-check failed for %s: %v (continuing)", baseRTSP, err)
		}
	}

	submitted, err := s.submitMatching(ctx, date, rtsp.BaseHost(baseRTSP), channel,
		[]string{data.TaskStatusPending, data.TaskStatusFailed, data.TaskStatusScreenshotTaken})
	return res, submitted, err
}

func (s *Scheduler) runPlanAndSubmit(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int, statuses []string) error {
	if _, err := s.Planner.Plan(ctx, date, baseRTSP, channel, intervalMinutes); err != nil {
		return err
	}
	_, err := s.submitMatching(ctx, date, rtsp.BaseHost(baseRTSP), channel, statuses)
	return err
}

func (s *Scheduler) submitMatching(ctx context.Context, date, ip, channel string, statuses []string) (int, error) {
	ids, err := s.Tasks.ListIDs(ctx, data.TaskFilter{
		Date:     date,
		IP:       ip,
		Channel:  channel,
		StatusIn: statuses,
	})
	if err != nil {
		return 0, err
	}
	return s.Engine.SubmitAll(ids)
}

// RerunTask re-arms a single task.
func (s *Scheduler) RerunTask(ctx context.Context, taskID int64) (int, error) {
	return s.Engine.Rerun(ctx, data.TaskFilter{TaskID: &taskID})
}

// RerunMatching re-arms every non-playing task of a date, optionally scoped
// by ip and channel.
func (s *Scheduler) RerunMatching(ctx context.Context, date, ip, channel string) (int, error) {
	return s.Engine.Rerun(ctx, data.TaskFilter{Date: date, IP: ip, Channel: channel})
}
