package data

import (
	"context"
	"database/sql"
	"fmt"
)

type ChangeModel struct {
	DB *sql.DB
}

// ChangeRow is the joined change+snapshot+task projection served by the
// change read surfaces.
type ChangeRow struct {
	Change            ChangeRecord
	IP                string
	Channel           string
	Date              string
	StartTS           int64
	EndTS             int64
	ImagePath         string
	DetectedImagePath string
}

// WriteChanges commits the diff result atomically: N change rows plus the
// denormalized change_count on the snapshot.
func (m ChangeModel) WriteChanges(ctx context.Context, snapshotID int64, changeCount int, records []ChangeRecord) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE snapshots SET change_count = $1 WHERE id = $2`, changeCount, snapshotID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}

	query := `
		INSERT INTO parking_changes (snapshot_id, prev_snapshot_id, space_id, space_name, prev_occupied, curr_occupied, change_type, detection_confidence, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, r := range records {
		_, err = tx.ExecContext(ctx, query,
			snapshotID, r.PrevSnapshotID, r.SpaceID, r.SpaceName,
			r.PrevOccupied, r.CurrOccupied, r.ChangeType, r.Confidence, r.DetectedAt.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (m ChangeModel) ListBySnapshot(ctx context.Context, snapshotID int64) ([]ChangeRecord, error) {
	query := `
		SELECT id, snapshot_id, prev_snapshot_id, space_id, space_name, prev_occupied, curr_occupied, change_type, detection_confidence, detected_at
		FROM parking_changes
		WHERE snapshot_id = $1
		ORDER BY space_id`

	rows, err := m.DB.QueryContext(ctx, query, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		r, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanChange(rows *sql.Rows) (*ChangeRecord, error) {
	var r ChangeRecord
	var prevID sql.NullInt64
	var prevOcc, currOcc sql.NullBool
	var chType sql.NullString
	var conf sql.NullFloat64
	if err := rows.Scan(
		&r.ID, &r.SnapshotID, &prevID, &r.SpaceID, &r.SpaceName,
		&prevOcc, &currOcc, &chType, &conf, &r.DetectedAt,
	); err != nil {
		return nil, err
	}
	if prevID.Valid {
		r.PrevSnapshotID = &prevID.Int64
	}
	if prevOcc.Valid {
		r.PrevOccupied = &prevOcc.Bool
	}
	if currOcc.Valid {
		r.CurrOccupied = &currOcc.Bool
	}
	if chType.Valid {
		r.ChangeType = &chType.String
	}
	if conf.Valid {
		r.Confidence = &conf.Float64
	}
	return &r, nil
}

func buildChangeWhere(filter ChangeFilter) (string, []any) {
	where := "WHERE 1=1"
	args := []any{}
	next := 1

	add := func(clause string, val any) {
		where += fmt.Sprintf(" AND "+clause, next)
		args = append(args, val)
		next++
	}

	if filter.Date != "" {
		add("t.date = $%d", filter.Date)
	}
	if filter.IP != "" {
		add("s.ip = $%d", filter.IP)
	}
	if filter.IPPrefix != "" {
		add("s.ip LIKE $%d || '%%'", filter.IPPrefix)
	}
	if filter.Channel != "" {
		add("LOWER(s.channel) = LOWER($%d)", filter.Channel)
	}
	if filter.ChannelPrefix != "" {
		add("LOWER(s.channel) LIKE LOWER($%d) || '%%'", filter.ChannelPrefix)
	}
	if filter.SpaceNameLike != "" {
		add("c.space_name ILIKE '%%' || $%d || '%%'", filter.SpaceNameLike)
	}
	if filter.ChangeType != "" {
		add("c.change_type = $%d", filter.ChangeType)
	}
	if filter.StartTSGte != nil {
		add("t.start_ts >= $%d", *filter.StartTSGte)
	}
	if filter.StartTSLte != nil {
		add("t.start_ts <= $%d", *filter.StartTSLte)
	}
	if filter.EndTSGte != nil {
		add("t.end_ts >= $%d", *filter.EndTSGte)
	}
	if filter.EndTSLte != nil {
		add("t.end_ts <= $%d", *filter.EndTSLte)
	}

	return where, args
}

// List pages change records joined to their snapshot and task, ordered by
// the per-camera timeline (detected_at, snapshot id).
func (m ChangeModel) List(ctx context.Context, filter ChangeFilter, limit, offset int) ([]*ChangeRow, int, error) {
	where, args := buildChangeWhere(filter)
	from := `
		FROM parking_changes c
		JOIN snapshots s ON c.snapshot_id = s.id
		JOIN tasks t ON s.task_id = t.id ` + where

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) "+from, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.snapshot_id, c.prev_snapshot_id, c.space_id, c.space_name,
		       c.prev_occupied, c.curr_occupied, c.change_type, c.detection_confidence, c.detected_at,
		       s.ip, s.channel, t.date, t.start_ts, t.end_ts, s.image_path, s.detected_image_path
		%s
		ORDER BY c.detected_at DESC, c.snapshot_id DESC, c.space_id
		LIMIT $%d OFFSET $%d`, from, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ChangeRow
	for rows.Next() {
		var row ChangeRow
		var prevID sql.NullInt64
		var prevOcc, currOcc sql.NullBool
		var chType sql.NullString
		var conf sql.NullFloat64
		if err := rows.Scan(
			&row.Change.ID, &row.Change.SnapshotID, &prevID, &row.Change.SpaceID, &row.Change.SpaceName,
			&prevOcc, &currOcc, &chType, &conf, &row.Change.DetectedAt,
			&row.IP, &row.Channel, &row.Date, &row.StartTS, &row.EndTS, &row.ImagePath, &row.DetectedImagePath,
		); err != nil {
			return nil, 0, err
		}
		if prevID.Valid {
			row.Change.PrevSnapshotID = &prevID.Int64
		}
		if prevOcc.Valid {
			row.Change.PrevOccupied = &prevOcc.Bool
		}
		if currOcc.Valid {
			row.Change.CurrOccupied = &currOcc.Bool
		}
		if chType.Valid {
			row.Change.ChangeType = &chType.String
		}
		if conf.Valid {
			row.Change.Confidence = &conf.Float64
		}
		out = append(out, &row)
	}
	return out, total, rows.Err()
}
