package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkwatch/internal/clock"
	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/planner"
)

type stubTaskRepo struct {
	tasks      []*data.Task
	lastFilter data.TaskFilter
	created    int
}

func (s *stubTaskRepo) InsertIgnore(_ context.Context, tasks []*data.Task) (int, error) {
	s.created += len(tasks)
	return len(tasks), nil
}

func (s *stubTaskRepo) GetByID(_ context.Context, id int64) (*data.Task, error) {
	for _, t := range s.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (s *stubTaskRepo) List(_ context.Context, f data.TaskFilter, limit, offset int) ([]*data.Task, int, error) {
	s.lastFilter = f
	return s.tasks, len(s.tasks), nil
}

func (s *stubTaskRepo) ListIDs(context.Context, data.TaskFilter) ([]int64, error) { return nil, nil }
func (s *stubTaskRepo) UpdateStatusIf(context.Context, int64, []string, string, *string) (bool, error) {
	return true, nil
}
func (s *stubTaskRepo) ResetForRerun(context.Context, data.TaskFilter) (int64, error) {
	return 0, nil
}
func (s *stubTaskRepo) SweepStalePlaying(context.Context, time.Time, int, time.Duration) (int64, error) {
	return 0, nil
}
func (s *stubTaskRepo) ReconcileScreenshotTaken(context.Context) (int64, error) { return 0, nil }
func (s *stubTaskRepo) CountByStatus(context.Context, string) (map[string]int, error) {
	return nil, nil
}
func (s *stubTaskRepo) Delete(context.Context, int64) error { return nil }
func (s *stubTaskRepo) DeleteMatching(context.Context, string, string, string) (int64, error) {
	return 0, nil
}
func (s *stubTaskRepo) AvailableDates(context.Context) ([]string, error) {
	return []string{"2025-12-19"}, nil
}
func (s *stubTaskRepo) AvailableIPs(context.Context) ([]string, error)      { return nil, nil }
func (s *stubTaskRepo) AvailableChannels(context.Context) ([]string, error) { return nil, nil }

type stubConfigRepo struct{}

func (stubConfigRepo) Upsert(context.Context, *data.TaskConfig) error { return nil }
func (stubConfigRepo) List(context.Context, string, int, int) ([]*data.TaskConfig, int, error) {
	return nil, 0, nil
}

func newHandler(t *testing.T, repo *stubTaskRepo) *TaskHandler {
	t.Helper()
	cal, err := clock.NewCalendar("Asia/Shanghai")
	require.NoError(t, err)
	pl := planner.New(repo, stubConfigRepo{}, cal)
	return NewTaskHandler(repo, stubConfigRepo{}, pl, nil)
}

func TestPlanEndpoint(t *testing.T) {
	repo := &stubTaskRepo{}
	h := newHandler(t, repo)

	body := `{"date":"2025-12-19","base_rtsp":"rtsp://u:p@10.0.0.1:554","channel":"c1","interval_minutes":10}`
	req := httptest.NewRequest("POST", "/api/v1/tasks/plan", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Plan(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"created":144`)
	assert.Contains(t, w.Body.String(), `"total":144`)
	assert.Equal(t, 144, repo.created)
}

func TestPlanEndpoint_InvalidInputIs400(t *testing.T) {
	h := newHandler(t, &stubTaskRepo{})

	cases := []string{
		`{"date":"2025-12-19","base_rtsp":"http://x","channel":"c1","interval_minutes":10}`,
		`{"date":"2025-12-19","base_rtsp":"rtsp://u:p@10.0.0.1:554","channel":"c1","interval_minutes":2000}`,
		`{"date":"nope","base_rtsp":"rtsp://u:p@10.0.0.1:554","channel":"c1","interval_minutes":10}`,
		`not json`,
	}
	for _, body := range cases {
		req := httptest.NewRequest("POST", "/api/v1/tasks/plan", strings.NewReader(body))
		w := httptest.NewRecorder()
		h.Plan(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestListEndpoint_ParsesFilters(t *testing.T) {
	shot := "2025-12-19/x.jpg"
	repo := &stubTaskRepo{tasks: []*data.Task{{
		ID: 1, Date: "2025-12-19", RTSPURL: "rtsp://a", IP: "10.0.0.1", Channel: "c1",
		Status: data.TaskStatusScreenshotTaken, ScreenshotPath: &shot,
		OperationTime: time.Now().UTC(),
	}}}
	h := newHandler(t, repo)

	req := httptest.NewRequest("GET",
		"/api/v1/tasks?date=2025-12-19&ip_prefix=10.0&channel=c1&status_in=completed,failed&start_ts_gte=100", nil)
	w := httptest.NewRecorder()
	h.List(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2025-12-19", repo.lastFilter.Date)
	assert.Equal(t, "10.0", repo.lastFilter.IPPrefix)
	assert.Equal(t, "c1", repo.lastFilter.Channel)
	assert.Equal(t, []string{"completed", "failed"}, repo.lastFilter.StatusIn)
	require.NotNil(t, repo.lastFilter.StartTSGte)
	assert.Equal(t, int64(100), *repo.lastFilter.StartTSGte)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestGetEndpoint_NotFoundIs404(t *testing.T) {
	h := newHandler(t, &stubTaskRepo{})

	req := httptest.NewRequest("GET", "/api/v1/tasks/99", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "99")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	h.Get(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
