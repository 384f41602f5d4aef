package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type SnapshotModel struct {
	DB *sql.DB
}

// ImageRow is the joined task+snapshot projection served by the image list
// endpoints. Snapshot fields are nil when the task never completed.
type ImageRow struct {
	Task              Task
	SnapshotID        *int64
	ImagePath         *string
	DetectedImagePath *string
	ChangeCount       *int
	DetectedAt        *time.Time
}

// CreateWithStates commits the capture result atomically: the snapshot row,
// its per-space states, and the task transition playing -> screenshot_taken.
// If the task is no longer playing (deadline sweep won the race) the whole
// write is rolled back and ErrRecordNotFound is returned.
func (m SnapshotModel) CreateWithStates(ctx context.Context, snap *Snapshot, states []SpaceState) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, screenshot_path = $2, error = NULL, operation_time = (NOW() AT TIME ZONE 'UTC')
		WHERE id = $3 AND status = $4`,
		TaskStatusScreenshotTaken, snap.ImagePath, snap.TaskID, TaskStatusPlaying,
	)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO snapshots (task_id, ip, channel, image_path, detected_image_path, change_count, detected_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING id`,
		snap.TaskID, snap.IP, snap.Channel, snap.ImagePath, snap.DetectedImagePath, snap.DetectedAt.UTC(),
	).Scan(&snap.ID)
	if err != nil {
		return err
	}

	for _, s := range states {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO space_states (snapshot_id, space_id, space_name, occupied, confidence)
			VALUES ($1, $2, $3, $4, $5)`,
			snap.ID, s.SpaceID, s.SpaceName, s.Occupied, s.Confidence,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (m SnapshotModel) GetByID(ctx context.Context, id int64) (*Snapshot, error) {
	query := `
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots
		WHERE id = $1`

	var s Snapshot
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath, &s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Prev finds the most recent previously completed snapshot for the same
// camera: latest detected_at strictly before (or equal with a smaller id
// than) the current one. Ties on detected_at break on snapshot id.
func (m SnapshotModel) Prev(ctx context.Context, ip, channel string, before time.Time, excludeID int64) (*Snapshot, error) {
	query := `
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots
		WHERE ip = $1 AND LOWER(channel) = LOWER($2) AND id <> $3
		  AND (detected_at < $4 OR (detected_at = $4 AND id < $3))
		ORDER BY detected_at DESC, id DESC
		LIMIT 1`

	var s Snapshot
	err := m.DB.QueryRowContext(ctx, query, ip, channel, excludeID, before.UTC()).Scan(
		&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath, &s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m SnapshotModel) States(ctx context.Context, snapshotID int64) ([]SpaceState, error) {
	query := `
		SELECT snapshot_id, space_id, space_name, occupied, confidence
		FROM space_states
		WHERE snapshot_id = $1
		ORDER BY space_id`

	rows, err := m.DB.QueryContext(ctx, query, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []SpaceState
	for rows.Next() {
		var s SpaceState
		var occ sql.NullBool
		var conf sql.NullFloat64
		if err := rows.Scan(&s.SnapshotID, &s.SpaceID, &s.SpaceName, &occ, &conf); err != nil {
			return nil, err
		}
		if occ.Valid {
			s.Occupied = &occ.Bool
		}
		if conf.Valid {
			s.Confidence = &conf.Float64
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func (m SnapshotModel) ListByTask(ctx context.Context, taskIDs []int64) (map[int64]*Snapshot, error) {
	if len(taskIDs) == 0 {
		return map[int64]*Snapshot{}, nil
	}
	query := `
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots
		WHERE task_id = ANY($1)`

	rows, err := m.DB.QueryContext(ctx, query, pq.Array(taskIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*Snapshot, len(taskIDs))
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath, &s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt); err != nil {
			return nil, err
		}
		out[s.TaskID] = &s
	}
	return out, rows.Err()
}

// ListForImages returns the joined task+snapshot rows for the image read
// surface, filtered like tasks and ordered by window within the day.
func (m SnapshotModel) ListForImages(ctx context.Context, filter TaskFilter, limit, offset int) ([]*ImageRow, int, error) {
	where, args := buildTaskWhereQualified(filter, "tasks.")
	where = "FROM tasks LEFT JOIN snapshots s ON s.task_id = tasks.id " + where

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT tasks.id, tasks.date, tasks.index, tasks.start_ts, tasks.end_ts, tasks.rtsp_url,
		       tasks.ip, tasks.channel, tasks.status, tasks.screenshot_path, tasks.error, tasks.operation_time,
		       s.id, s.image_path, s.detected_image_path, s.change_count, s.detected_at
		%s
		ORDER BY tasks.date DESC, tasks.start_ts ASC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ImageRow
	for rows.Next() {
		var r ImageRow
		var shot, errMsg sql.NullString
		var snapID sql.NullInt64
		var imgPath, detPath sql.NullString
		var changeCount sql.NullInt64
		var detectedAt sql.NullTime
		if err := rows.Scan(
			&r.Task.ID, &r.Task.Date, &r.Task.Index, &r.Task.StartTS, &r.Task.EndTS, &r.Task.RTSPURL,
			&r.Task.IP, &r.Task.Channel, &r.Task.Status, &shot, &errMsg, &r.Task.OperationTime,
			&snapID, &imgPath, &detPath, &changeCount, &detectedAt,
		); err != nil {
			return nil, 0, err
		}
		if shot.Valid {
			r.Task.ScreenshotPath = &shot.String
		}
		if errMsg.Valid {
			r.Task.Error = &errMsg.String
		}
		if snapID.Valid {
			r.SnapshotID = &snapID.Int64
			r.ImagePath = &imgPath.String
			r.DetectedImagePath = &detPath.String
			n := int(changeCount.Int64)
			r.ChangeCount = &n
			r.DetectedAt = &detectedAt.Time
		}
		out = append(out, &r)
	}
	return out, total, rows.Err()
}
