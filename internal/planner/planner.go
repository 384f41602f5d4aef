package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/technosupport/ts-parkwatch/internal/clock"
	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/rtsp"
)

// ErrInvalidInput marks synchronous rejections: malformed base URL, bad
// date, out-of-range interval. No state changes on this path.
var ErrInvalidInput = errors.New("invalid input")

var channelRe = regexp.MustCompile(`(?i)^c\d+$`)

// Result reports what a plan call did. Existing counts rows that were
// already present, so repeated calls return the same Total with Created 0.
type Result struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Total    int `json:"total"`
}

// Planner expands a per-day capture plan into discrete window tasks.
// Idempotent and safe under concurrent writers: inserts are unique-key-aware
// and existing rows keep their status.
type Planner struct {
	Tasks    data.TaskRepository
	Configs  data.TaskConfigRepository
	Calendar *clock.Calendar
}

func New(tasks data.TaskRepository, configs data.TaskConfigRepository, cal *clock.Calendar) *Planner {
	return &Planner{Tasks: tasks, Configs: configs, Calendar: cal}
}

func (p *Planner) Plan(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*Result, error) {
	if err := rtsp.ValidateBase(baseRTSP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !channelRe.MatchString(channel) {
		return nil, fmt.Errorf("%w: channel must match c<digits>, got %q", ErrInvalidInput, channel)
	}
	if intervalMinutes < 1 || intervalMinutes > 1440 {
		return nil, fmt.Errorf("%w: interval_minutes must be in [1,1440], got %d", ErrInvalidInput, intervalMinutes)
	}

	dayStart, dayEnd, err := p.Calendar.DayRange(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	channel = strings.ToLower(channel)
	ip := rtsp.BaseHost(baseRTSP)
	step := int64(intervalMinutes) * 60

	var tasks []*data.Task
	for i, start := 0, dayStart; start <= dayEnd; i, start = i+1, start+step {
		end := start + step - 1
		if end > dayEnd {
			end = dayEnd
		}
		tasks = append(tasks, &data.Task{
			Date:    date,
			Index:   i,
			StartTS: start,
			EndTS:   end,
			RTSPURL: rtsp.Build(baseRTSP, channel, start, end),
			IP:      ip,
			Channel: channel,
			Status:  data.TaskStatusPending,
		})
	}

	created, err := p.Tasks.InsertIgnore(ctx, tasks)
	if err != nil {
		return nil, fmt.Errorf("insert tasks: %w", err)
	}

	cfg := &data.TaskConfig{
		Date:            date,
		RTSPBase:        strings.TrimRight(baseRTSP, "/"),
		Channel:         channel,
		IP:              ip,
		IntervalMinutes: intervalMinutes,
		StartTS:         dayStart,
		EndTS:           dayEnd,
		TaskCount:       len(tasks),
	}
	if err := p.Configs.Upsert(ctx, cfg); err != nil {
		return nil, fmt.Errorf("upsert task config: %w", err)
	}

	res := &Result{
		Created:  created,
		Existing: len(tasks) - created,
		Total:    len(tasks),
	}
	log.Printf("[Planner] %s %s/%s interval=%dm: %d created, %d existing",
		date, ip, channel, intervalMinutes, res.Created, res.Existing)
	return res, nil
}
