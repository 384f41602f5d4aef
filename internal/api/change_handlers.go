package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkwatch/internal/data"
)

type ChangeHandler struct {
	Changes   data.ChangeRepository
	Snapshots data.SnapshotRepository
}

func NewChangeHandler(changes data.ChangeRepository, snaps data.SnapshotRepository) *ChangeHandler {
	return &ChangeHandler{Changes: changes, Snapshots: snaps}
}

func changeFilterFromQuery(r *http.Request) data.ChangeFilter {
	q := r.URL.Query()
	return data.ChangeFilter{
		Date:          q.Get("date"),
		IP:            q.Get("ip"),
		IPPrefix:      q.Get("ip_prefix"),
		Channel:       q.Get("channel"),
		ChannelPrefix: q.Get("channel_prefix"),
		SpaceNameLike: q.Get("space_name"),
		ChangeType:    q.Get("change_type"),
		StartTSGte:    queryInt64Ptr(r, "start_ts_gte"),
		StartTSLte:    queryInt64Ptr(r, "start_ts_lte"),
		EndTSGte:      queryInt64Ptr(r, "end_ts_gte"),
		EndTSLte:      queryInt64Ptr(r, "end_ts_lte"),
	}
}

type changeViewModel struct {
	ID             int64    `json:"id"`
	SnapshotID     int64    `json:"snapshot_id"`
	PrevSnapshotID *int64   `json:"prev_snapshot_id"`
	SpaceID        string   `json:"space_id"`
	SpaceName      string   `json:"space_name"`
	PrevOccupied   *bool    `json:"prev_occupied"`
	CurrOccupied   *bool    `json:"curr_occupied"`
	ChangeType     *string  `json:"change_type,omitempty"`
	Confidence     *float64 `json:"detection_confidence"`
	DetectedAt     string   `json:"detected_at"`
	IP             string   `json:"ip"`
	Channel        string   `json:"channel"`
	Date           string   `json:"date"`
	StartTS        int64    `json:"start_ts"`
	EndTS          int64    `json:"end_ts"`
	ImageURL       string   `json:"image_url"`
	DetectedURL    string   `json:"detected_image_url"`
}

func changeView(row *data.ChangeRow) changeViewModel {
	return changeViewModel{
		ID:             row.Change.ID,
		SnapshotID:     row.Change.SnapshotID,
		PrevSnapshotID: row.Change.PrevSnapshotID,
		SpaceID:        row.Change.SpaceID,
		SpaceName:      row.Change.SpaceName,
		PrevOccupied:   row.Change.PrevOccupied,
		CurrOccupied:   row.Change.CurrOccupied,
		ChangeType:     row.Change.ChangeType,
		Confidence:     row.Change.Confidence,
		DetectedAt:     row.Change.DetectedAt.UTC().Format(time.RFC3339),
		IP:             row.IP,
		Channel:        row.Channel,
		Date:           row.Date,
		StartTS:        row.StartTS,
		EndTS:          row.EndTS,
		ImageURL:       "/shots/" + row.ImagePath,
		DetectedURL:    "/shots/" + row.DetectedImagePath,
	}
}

// List pages change records, newest first within the per-camera timeline.
func (h *ChangeHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, offset := pageParams(r)

	rows, total, err := h.Changes.List(r.Context(), changeFilterFromQuery(r), pageSize, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]changeViewModel, 0, len(rows))
	for _, row := range rows {
		items = append(items, changeView(row))
	}
	writeJSON(w, http.StatusOK, pageResponse{Total: total, Page: page, PageSize: pageSize, Items: items})
}

// BySnapshot returns every change row of one snapshot.
func (h *ChangeHandler) BySnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid snapshot id"})
		return
	}
	if _, err := h.Snapshots.GetByID(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	records, err := h.Changes.ListBySnapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type spaceGroup struct {
	SpaceID   string            `json:"space_id"`
	SpaceName string            `json:"space_name"`
	IP        string            `json:"ip"`
	Channel   string            `json:"channel"`
	Changes   []changeViewModel `json:"changes"`
}

// BySpace groups arrive/leave transitions per space, oldest first inside
// each group, for the per-space timeline view.
func (h *ChangeHandler) BySpace(w http.ResponseWriter, r *http.Request) {
	filter := changeFilterFromQuery(r)

	rows, _, err := h.Changes.List(r.Context(), filter, 10000, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	groups := map[string]*spaceGroup{}
	for _, row := range rows {
		if row.Change.ChangeType == nil {
			continue
		}
		if t := *row.Change.ChangeType; t != data.ChangeArrive && t != data.ChangeLeave {
			continue
		}
		key := row.IP + "|" + row.Channel + "|" + row.Change.SpaceID
		g, ok := groups[key]
		if !ok {
			g = &spaceGroup{
				SpaceID:   row.Change.SpaceID,
				SpaceName: row.Change.SpaceName,
				IP:        row.IP,
				Channel:   row.Channel,
			}
			groups[key] = g
		}
		g.Changes = append(g.Changes, changeView(row))
	}

	out := make([]*spaceGroup, 0, len(groups))
	for _, g := range groups {
		// The list query returns newest first; the timeline reads forward.
		sort.Slice(g.Changes, func(i, j int) bool {
			return g.Changes[i].DetectedAt < g.Changes[j].DetectedAt
		})
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].SpaceName < out[j].SpaceName
	})

	writeJSON(w, http.StatusOK, map[string]any{"spaces": out})
}
