package data

import (
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("record not found")

// Task status wire values. "completed" is accepted on input as an alias of
// "screenshot_taken".
const (
	TaskStatusPending         = "pending"
	TaskStatusPlaying         = "playing"
	TaskStatusScreenshotTaken = "screenshot_taken"
	TaskStatusCompleted       = "completed"
	TaskStatusFailed          = "failed"
)

// Change type wire values. A NULL change_type means "no change".
const (
	ChangeArrive  = "arrive"
	ChangeLeave   = "leave"
	ChangeUnknown = "unknown"
)

// AutoRule execution status values.
const (
	RuleExecNone    = "none"
	RuleExecRunning = "running"
	RuleExecSuccess = "success"
	RuleExecFailed  = "failed"
)

// NvrConfig is one camera deployment at a site.
type NvrConfig struct {
	ID          int64
	ParkingName string
	NvrIP       string
	NvrPort     int
	NvrUser     string
	NvrPassword string
	// Optional coordinates of the NVR vendor's own database; stored for
	// operators, never dialed by this service.
	ExtDBHost     *string
	ExtDBPort     *int
	ExtDBUser     *string
	ExtDBPassword *string
	ExtDBName     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Channels []*ChannelConfig
}

// ChannelConfig is one camera under an NvrConfig.
type ChannelConfig struct {
	ID          int64
	NvrConfigID int64
	ChannelCode string // c<digits>, stored lowercase
	CameraIP    string
	CameraName  string
	VendorSN    string
	// TrackSpace is the recognition ROI polygon as the operator entered it.
	// Opaque to the pipeline: stored and exposed, never parsed.
	TrackSpace *string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Spaces []*ParkingSpace
}

// ParkingSpace is one detection region in the 1920x1080 reference frame.
type ParkingSpace struct {
	ID              int64
	ChannelConfigID int64
	SpaceID         string
	SpaceName       string
	BboxX1          int
	BboxY1          int
	BboxX2          int
	BboxY2          int
}

// TaskConfig is a per-day, per-camera capture plan.
type TaskConfig struct {
	ID              int64
	Date            string // YYYY-MM-DD wall date
	RTSPBase        string
	Channel         string
	IP              string
	IntervalMinutes int
	StartTS         int64 // 00:00:00 wall
	EndTS           int64 // 23:59:59 wall
	TaskCount       int
	OperationTime   time.Time // UTC
}

// Task is one capture window.
type Task struct {
	ID             int64
	Date           string
	Index          int
	StartTS        int64
	EndTS          int64
	RTSPURL        string
	IP             string
	Channel        string
	Status         string
	ScreenshotPath *string
	Error          *string
	OperationTime  time.Time // UTC
}

// WindowSeconds is the capture window length.
func (t *Task) WindowSeconds() int64 {
	return t.EndTS - t.StartTS
}

// Snapshot is the successful artifact of one Task: image on disk plus the
// detector outputs.
type Snapshot struct {
	ID                int64
	TaskID            int64
	IP                string
	Channel           string
	ImagePath         string
	DetectedImagePath string
	ChangeCount       int
	DetectedAt        time.Time // UTC
}

// SpaceState is one space's (occupied, confidence) at one snapshot.
// Occupied is tri-state: nil means the detector could not decide.
type SpaceState struct {
	SnapshotID int64
	SpaceID    string
	SpaceName  string
	Occupied   *bool
	Confidence *float64
}

// ChangeRecord is a single space transition derived from two consecutive
// snapshots of one camera.
type ChangeRecord struct {
	ID             int64
	SnapshotID     int64
	PrevSnapshotID *int64
	SpaceID        string
	SpaceName      string
	PrevOccupied   *bool
	CurrOccupied   *bool
	ChangeType     *string
	Confidence     *float64
	DetectedAt     time.Time
}

// AutoRule is a recurring (or one-shot dated) scheduling rule.
type AutoRule struct {
	ID              int64
	Name            string
	UseToday        bool
	CustomDate      *string
	BaseRTSP        string
	Channel         string
	IntervalMinutes int
	TriggerTime     string // HH:MM wall time
	IsEnabled       bool
	ExecutionCount  int
	LastExecutedAt  *time.Time
	LastExecStatus  string
	LastExecError   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskFilter is the shared filter set of the task read surfaces.
type TaskFilter struct {
	Date          string
	TaskID        *int64
	IP            string
	IPPrefix      string
	Channel       string
	ChannelPrefix string
	StatusIn      []string
	RTSPURLLike   string
	ScreenshotLik string
	StartTSGte    *int64
	StartTSLte    *int64
	EndTSGte      *int64
	EndTSLte      *int64
	OpTimeGte     *time.Time
	OpTimeLte     *time.Time
}

// ChangeFilter narrows change-record reads.
type ChangeFilter struct {
	Date          string
	IP            string
	IPPrefix      string
	Channel       string
	ChannelPrefix string
	SpaceNameLike string
	ChangeType    string
	StartTSGte    *int64
	StartTSLte    *int64
	EndTSGte      *int64
	EndTSLte      *int64
}
