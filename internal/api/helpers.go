package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/planner"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP: invalid input is the
// caller's fault, not-found is 404, everything else is a 5xx.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, planner.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, data.ErrRecordNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func queryInt64Ptr(r *http.Request, key string) *int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &i
		}
	}
	return nil
}

func queryTimePtr(r *http.Request, key string) *time.Time {
	if v := r.URL.Query().Get(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
	}
	return nil
}

func queryCSV(r *http.Request, key string) []string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// taskFilterFromQuery decodes the shared task filter parameters used by the
// task, image and task-config surfaces.
func taskFilterFromQuery(r *http.Request) data.TaskFilter {
	q := r.URL.Query()
	f := data.TaskFilter{
		Date:          q.Get("date"),
		IP:            q.Get("ip"),
		IPPrefix:      q.Get("ip_prefix"),
		Channel:       q.Get("channel"),
		ChannelPrefix: q.Get("channel_prefix"),
		StatusIn:      queryCSV(r, "status_in"),
		RTSPURLLike:   q.Get("rtsp_url_like"),
		ScreenshotLik: q.Get("screenshot_name_like"),
		StartTSGte:    queryInt64Ptr(r, "start_ts_gte"),
		StartTSLte:    queryInt64Ptr(r, "start_ts_lte"),
		EndTSGte:      queryInt64Ptr(r, "end_ts_gte"),
		EndTSLte:      queryInt64Ptr(r, "end_ts_lte"),
		OpTimeGte:     queryTimePtr(r, "operation_time_gte"),
		OpTimeLte:     queryTimePtr(r, "operation_time_lte"),
	}
	if s := q.Get("status"); s != "" {
		f.StatusIn = append(f.StatusIn, s)
	}
	return f
}

func pageParams(r *http.Request) (page, pageSize, offset int) {
	page = queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize = queryInt(r, "page_size", 20)
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

type pageResponse struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Items    any `json:"items"`
}
