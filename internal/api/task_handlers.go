package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/planner"
	"github.com/technosupport/ts-parkwatch/internal/scheduler"
)

type TaskHandler struct {
	Tasks       data.TaskRepository
	TaskConfigs data.TaskConfigRepository
	Planner     *planner.Planner
	Scheduler   *scheduler.Scheduler
}

func NewTaskHandler(tasks data.TaskRepository, cfgs data.TaskConfigRepository, pl *planner.Planner, sch *scheduler.Scheduler) *TaskHandler {
	return &TaskHandler{Tasks: tasks, TaskConfigs: cfgs, Planner: pl, Scheduler: sch}
}

type planRequest struct {
	Date            string `json:"date"`
	BaseRTSP        string `json:"base_rtsp"`
	Channel         string `json:"channel"`
	IntervalMinutes int    `json:"interval_minutes"`
}

// Plan materializes the day's tasks without submitting them.
func (h *TaskHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	res, err := h.Planner.Plan(r.Context(), req.Date, req.BaseRTSP, req.Channel, req.IntervalMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type runResponse struct {
	*planner.Result
	Submitted int `json:"submitted"`
}

// Run materializes the day's tasks and submits everything resubmittable.
func (h *TaskHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	res, submitted, err := h.Scheduler.RunNow(r.Context(), req.Date, req.BaseRTSP, req.Channel, req.IntervalMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Result: res, Submitted: submitted})
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, offset := pageParams(r)
	filter := taskFilterFromQuery(r)

	tasks, total, err := h.Tasks.List(r.Context(), filter, pageSize, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Total: total, Page: page, PageSize: pageSize, Items: taskViews(tasks)})
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return
	}
	task, err := h.Tasks.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}

type rerunRequest struct {
	Date    string `json:"date"`
	IP      string `json:"ip"`
	Channel string `json:"channel"`
}

func (h *TaskHandler) RerunOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return
	}
	n, err := h.Scheduler.RerunTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"submitted": n})
}

func (h *TaskHandler) RerunMatching(w http.ResponseWriter, r *http.Request) {
	var req rerunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Date == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date required"})
		return
	}
	n, err := h.Scheduler.RerunMatching(r.Context(), req.Date, req.IP, req.Channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"submitted": n})
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return
	}
	if err := h.Tasks.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *TaskHandler) DeleteMatching(w http.ResponseWriter, r *http.Request) {
	var req rerunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Date == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date required"})
		return
	}
	n, err := h.Tasks.DeleteMatching(r.Context(), req.Date, req.IP, req.Channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *TaskHandler) Dates(w http.ResponseWriter, r *http.Request) {
	h.distinct(w, r, h.Tasks.AvailableDates, "date")
}

func (h *TaskHandler) IPs(w http.ResponseWriter, r *http.Request) {
	h.distinct(w, r, h.Tasks.AvailableIPs, "ip")
}

func (h *TaskHandler) Channels(w http.ResponseWriter, r *http.Request) {
	h.distinct(w, r, h.Tasks.AvailableChannels, "channel")
}

func (h *TaskHandler) distinct(w http.ResponseWriter, r *http.Request, fetch func(context.Context) ([]string, error), key string) {
	values, err := fetch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]string, 0, len(values))
	for _, v := range values {
		items = append(items, map[string]string{key: v})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *TaskHandler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	page, pageSize, offset := pageParams(r)
	cfgs, total, err := h.TaskConfigs.List(r.Context(), r.URL.Query().Get("date"), pageSize, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Total: total, Page: page, PageSize: pageSize, Items: cfgs})
}

type taskViewModel struct {
	ID             int64   `json:"id"`
	Date           string  `json:"date"`
	Index          int     `json:"index"`
	StartTS        int64   `json:"start_ts"`
	EndTS          int64   `json:"end_ts"`
	RTSPURL        string  `json:"rtsp_url"`
	IP             string  `json:"ip"`
	Channel        string  `json:"channel"`
	Status         string  `json:"status"`
	ScreenshotPath *string `json:"screenshot_path"`
	Error          *string `json:"error"`
	OperationTime  string  `json:"operation_time"`
}

func taskView(t *data.Task) taskViewModel {
	return taskViewModel{
		ID:             t.ID,
		Date:           t.Date,
		Index:          t.Index,
		StartTS:        t.StartTS,
		EndTS:          t.EndTS,
		RTSPURL:        t.RTSPURL,
		IP:             t.IP,
		Channel:        t.Channel,
		Status:         t.Status,
		ScreenshotPath: t.ScreenshotPath,
		Error:          t.Error,
		OperationTime:  t.OperationTime.UTC().Format(time.RFC3339),
	}
}

func taskViews(tasks []*data.Task) []taskViewModel {
	out := make([]taskViewModel, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t))
	}
	return out
}
