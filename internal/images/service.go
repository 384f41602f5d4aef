package images

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/technosupport/ts-parkwatch/internal/blob"
	"github.com/technosupport/ts-parkwatch/internal/data"
)

// Status labels of the image read surface. "ok" means a decodable file is on
// disk; "missing" means the row references a file that is not.
const (
	LabelOK      = "ok"
	LabelMissing = "missing"
	LabelFailed  = "failed"
	LabelPending = "pending"
	LabelPlaying = "playing"
)

// Item is one row of the image list: the task, its snapshot when present,
// and the filesystem-derived status label.
type Item struct {
	Task        *data.Task `json:"task"`
	SnapshotID  *int64     `json:"snapshot_id,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	DetectedURL string     `json:"detected_image_url,omitempty"`
	ChangeCount *int       `json:"change_count,omitempty"`
	DetectedAt  *time.Time `json:"detected_at,omitempty"`
	StatusLabel string     `json:"status_label"`
	Missing     bool       `json:"missing"`
}

// Service pages the image read surface. File presence is stat'ed through a
// short TTL cache so list endpoints stay cheap under refresh-happy UIs.
type Service struct {
	Snapshots data.SnapshotRepository
	Blob      blob.Store

	statCache *expirable.LRU[string, bool]
}

const statCacheTTL = 10 * time.Second

func NewService(snaps data.SnapshotRepository, store blob.Store) *Service {
	return &Service{
		Snapshots: snaps,
		Blob:      store,
		statCache: expirable.NewLRU[string, bool](4096, nil, statCacheTTL),
	}
}

// Query is the image filter set on top of the task filters.
type Query struct {
	Filter        data.TaskFilter
	StatusLabelIn []string
	Missing       *bool
	Page          int
	PageSize      int
}

type Page struct {
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Items    []*Item `json:"items"`
}

// List pages rows. Label and missing filters need the filesystem, so they
// are applied after the database query over a widened window, the way the
// date-scoped views keep this affordable.
func (s *Service) List(ctx context.Context, q Query) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 || q.PageSize > 100 {
		q.PageSize = 20
	}
	offset := (q.Page - 1) * q.PageSize

	needsFSFilter := len(q.StatusLabelIn) > 0 || q.Missing != nil

	limit, dbOffset := q.PageSize, offset
	if needsFSFilter {
		limit, dbOffset = 10000, 0
	}

	rows, total, err := s.Snapshots.ListForImages(ctx, q.Filter, limit, dbOffset)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(rows))
	for _, row := range rows {
		item := s.toItem(row)
		if q.Missing != nil && item.Missing != *q.Missing {
			continue
		}
		if len(q.StatusLabelIn) > 0 && !contains(q.StatusLabelIn, item.StatusLabel) {
			continue
		}
		items = append(items, item)
	}

	if needsFSFilter {
		total = len(items)
		if offset > len(items) {
			offset = len(items)
		}
		end := offset + q.PageSize
		if end > len(items) {
			end = len(items)
		}
		items = items[offset:end]
	}

	return &Page{Total: total, Page: q.Page, PageSize: q.PageSize, Items: items}, nil
}

func (s *Service) toItem(row *data.ImageRow) *Item {
	item := &Item{Task: &row.Task}

	if row.SnapshotID != nil {
		item.SnapshotID = row.SnapshotID
		item.ChangeCount = row.ChangeCount
		item.DetectedAt = row.DetectedAt
		if row.ImagePath != nil {
			item.ImageURL = "/shots/" + *row.ImagePath
		}
		if row.DetectedImagePath != nil && *row.DetectedImagePath != "" {
			// Serve the annotated variant when it exists.
			if s.exists(*row.DetectedImagePath) {
				item.DetectedURL = "/shots/" + *row.DetectedImagePath
			}
		}
	}

	item.StatusLabel, item.Missing = s.label(&row.Task)
	return item
}

// label derives the display status from the task status and file presence.
func (s *Service) label(task *data.Task) (string, bool) {
	switch task.Status {
	case data.TaskStatusPending:
		return LabelPending, true
	case data.TaskStatusPlaying:
		return LabelPlaying, true
	case data.TaskStatusFailed:
		if task.ScreenshotPath != nil && s.exists(*task.ScreenshotPath) {
			return LabelFailed, false
		}
		return LabelFailed, true
	default: // screenshot_taken
		if task.ScreenshotPath != nil && s.exists(*task.ScreenshotPath) {
			return LabelOK, false
		}
		return LabelMissing, true
	}
}

func (s *Service) exists(rel string) bool {
	if v, ok := s.statCache.Get(rel); ok {
		return v
	}
	_, _, err := s.Blob.Stat(rel)
	present := err == nil
	s.statCache.Add(rel, present)
	return present
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
