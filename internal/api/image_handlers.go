package api

import (
	"net/http"
	"strconv"

	"github.com/technosupport/ts-parkwatch/internal/images"
)

type ImageHandler struct {
	Service *images.Service
}

func NewImageHandler(svc *images.Service) *ImageHandler {
	return &ImageHandler{Service: svc}
}

// List pages the image surface: tasks joined to snapshots, with the
// filesystem-derived status label and missing filters.
func (h *ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, _ := pageParams(r)

	q := images.Query{
		Filter:        taskFilterFromQuery(r),
		StatusLabelIn: queryCSV(r, "status_label_in"),
		Page:          page,
		PageSize:      pageSize,
	}
	if v := r.URL.Query().Get("status_label"); v != "" {
		q.StatusLabelIn = append(q.StatusLabelIn, v)
	}
	if v := r.URL.Query().Get("missing"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			q.Missing = &b
		}
	}

	res, err := h.Service.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
