package data

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TaskRepository is the store surface the planner, engine and scheduler need.
type TaskRepository interface {
	InsertIgnore(ctx context.Context, tasks []*Task) (created int, err error)
	GetByID(ctx context.Context, id int64) (*Task, error)
	List(ctx context.Context, filter TaskFilter, limit, offset int) ([]*Task, int, error)
	ListIDs(ctx context.Context, filter TaskFilter) ([]int64, error)
	UpdateStatusIf(ctx context.Context, id int64, from []string, to string, errMsg *string) (bool, error)
	ResetForRerun(ctx context.Context, filter TaskFilter) (int64, error)
	SweepStalePlaying(ctx context.Context, now time.Time, factor int, slack time.Duration) (int64, error)
	ReconcileScreenshotTaken(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, date string) (map[string]int, error)
	Delete(ctx context.Context, id int64) error
	DeleteMatching(ctx context.Context, date, ip, channel string) (int64, error)
	AvailableDates(ctx context.Context) ([]string, error)
	AvailableIPs(ctx context.Context) ([]string, error)
	AvailableChannels(ctx context.Context) ([]string, error)
}

// TaskConfigRepository stores the per-day capture plans.
type TaskConfigRepository interface {
	Upsert(ctx context.Context, cfg *TaskConfig) error
	List(ctx context.Context, date string, limit, offset int) ([]*TaskConfig, int, error)
}

// SnapshotRepository stores completed captures and their detector outputs.
type SnapshotRepository interface {
	CreateWithStates(ctx context.Context, snap *Snapshot, states []SpaceState) error
	GetByID(ctx context.Context, id int64) (*Snapshot, error)
	Prev(ctx context.Context, ip, channel string, before time.Time, excludeID int64) (*Snapshot, error)
	States(ctx context.Context, snapshotID int64) ([]SpaceState, error)
	ListByTask(ctx context.Context, taskIDs []int64) (map[int64]*Snapshot, error)
	ListForImages(ctx context.Context, filter TaskFilter, limit, offset int) ([]*ImageRow, int, error)
}

// ChangeRepository writes and reads inferred transitions.
type ChangeRepository interface {
	WriteChanges(ctx context.Context, snapshotID int64, changeCount int, records []ChangeRecord) error
	ListBySnapshot(ctx context.Context, snapshotID int64) ([]ChangeRecord, error)
	List(ctx context.Context, filter ChangeFilter, limit, offset int) ([]*ChangeRow, int, error)
}

// RuleRepository stores auto-scheduling rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *AutoRule) error
	Update(ctx context.Context, rule *AutoRule) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*AutoRule, error)
	ListAll(ctx context.Context) ([]*AutoRule, error)
	ListEnabled(ctx context.Context) ([]*AutoRule, error)
	MarkExecution(ctx context.Context, id int64, at time.Time, status string, execErr *string) error
}

// ConfigRepository stores NVR/channel/space configuration.
type ConfigRepository interface {
	CreateNvr(ctx context.Context, cfg *NvrConfig) error
	UpdateNvr(ctx context.Context, cfg *NvrConfig) error
	DeleteNvr(ctx context.Context, id int64) error
	GetNvr(ctx context.Context, id int64) (*NvrConfig, error)
	ListNvrs(ctx context.Context, limit, offset int) ([]*NvrConfig, int, error)
	SpacesForCamera(ctx context.Context, ip, channel string) ([]*ParkingSpace, *ChannelConfig, error)
}
