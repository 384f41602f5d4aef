package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type TaskModel struct {
	DB *sql.DB
}

// InsertIgnore inserts the given tasks, silently skipping rows whose
// (date, index, rtsp_url) already exists. Returns the number actually
// created, which is how the planner counts created vs existing under
// concurrent writers.
func (m TaskModel) InsertIgnore(ctx context.Context, tasks []*Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO tasks (date, index, start_ts, end_ts, rtsp_url, ip, channel, status, operation_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, (NOW() AT TIME ZONE 'UTC'))
		ON CONFLICT (date, index, rtsp_url) DO NOTHING`

	created := 0
	for _, t := range tasks {
		res, err := tx.ExecContext(ctx, query,
			t.Date, t.Index, t.StartTS, t.EndTS, t.RTSPURL, t.IP, t.Channel, t.Status,
		)
		if err != nil {
			return 0, err
		}
		rows, _ := res.RowsAffected()
		created += int(rows)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

func (m TaskModel) GetByID(ctx context.Context, id int64) (*Task, error) {
	query := `
		SELECT id, date, index, start_ts, end_ts, rtsp_url, ip, channel, status, screenshot_path, error, operation_time
		FROM tasks
		WHERE id = $1`

	return scanTask(m.DB.QueryRowContext(ctx, query, id))
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var shot, errMsg sql.NullString
	err := row.Scan(
		&t.ID, &t.Date, &t.Index, &t.StartTS, &t.EndTS, &t.RTSPURL, &t.IP, &t.Channel,
		&t.Status, &shot, &errMsg, &t.OperationTime,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if shot.Valid {
		t.ScreenshotPath = &shot.String
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	return &t, nil
}

func buildTaskWhere(filter TaskFilter) (string, []any) {
	return buildTaskWhereQualified(filter, "")
}

// buildTaskWhereQualified builds the shared task filter clause set. prefix
// qualifies column references (e.g. "tasks.") for joined queries where ip,
// channel and id would otherwise be ambiguous.
func buildTaskWhereQualified(filter TaskFilter, prefix string) (string, []any) {
	where := "WHERE 1=1"
	args := []any{}
	next := 1

	add := func(clause string, val any) {
		where += fmt.Sprintf(" AND "+clause, next)
		args = append(args, val)
		next++
	}

	if filter.Date != "" {
		add(prefix+"date = $%d", filter.Date)
	}
	if filter.TaskID != nil {
		add(prefix+"id = $%d", *filter.TaskID)
	}
	if filter.IP != "" {
		add(prefix+"ip = $%d", filter.IP)
	}
	if filter.IPPrefix != "" {
		add(prefix+"ip LIKE $%d || '%%'", filter.IPPrefix)
	}
	if filter.Channel != "" {
		add("LOWER("+prefix+"channel) = LOWER($%d)", filter.Channel)
	}
	if filter.ChannelPrefix != "" {
		add("LOWER("+prefix+"channel) LIKE LOWER($%d) || '%%'", filter.ChannelPrefix)
	}
	if len(filter.StatusIn) > 0 {
		add(prefix+"status = ANY($%d)", pq.Array(normalizeStatuses(filter.StatusIn)))
	}
	if filter.RTSPURLLike != "" {
		add(prefix+"rtsp_url ILIKE '%%' || $%d || '%%'", filter.RTSPURLLike)
	}
	if filter.ScreenshotLik != "" {
		add(prefix+"screenshot_path ILIKE '%%' || $%d || '%%'", filter.ScreenshotLik)
	}
	if filter.StartTSGte != nil {
		add(prefix+"start_ts >= $%d", *filter.StartTSGte)
	}
	if filter.StartTSLte != nil {
		add(prefix+"start_ts <= $%d", *filter.StartTSLte)
	}
	if filter.EndTSGte != nil {
		add(prefix+"end_ts >= $%d", *filter.EndTSGte)
	}
	if filter.EndTSLte != nil {
		add(prefix+"end_ts <= $%d", *filter.EndTSLte)
	}
	if filter.OpTimeGte != nil {
		add(prefix+"operation_time >= $%d", *filter.OpTimeGte)
	}
	if filter.OpTimeLte != nil {
		add(prefix+"operation_time <= $%d", *filter.OpTimeLte)
	}

	return where, args
}

// normalizeStatuses maps the "completed" alias onto screenshot_taken so both
// wire values select the same rows.
func normalizeStatuses(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, s := range in {
		if s == TaskStatusCompleted {
			s = TaskStatusScreenshotTaken
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (m TaskModel) List(ctx context.Context, filter TaskFilter, limit, offset int) ([]*Task, int, error) {
	where, args := buildTaskWhere(filter)

	var total int
	countQuery := "SELECT count(*) FROM tasks " + where
	if err := m.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, date, index, start_ts, end_ts, rtsp_url, ip, channel, status, screenshot_path, error, operation_time
		FROM tasks
		%s
		ORDER BY date DESC, index ASC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var shot, errMsg sql.NullString
		if err := rows.Scan(
			&t.ID, &t.Date, &t.Index, &t.StartTS, &t.EndTS, &t.RTSPURL, &t.IP, &t.Channel,
			&t.Status, &shot, &errMsg, &t.OperationTime,
		); err != nil {
			return nil, 0, err
		}
		if shot.Valid {
			t.ScreenshotPath = &shot.String
		}
		if errMsg.Valid {
			t.Error = &errMsg.String
		}
		tasks = append(tasks, &t)
	}
	return tasks, total, rows.Err()
}

func (m TaskModel) ListIDs(ctx context.Context, filter TaskFilter) ([]int64, error) {
	where, args := buildTaskWhere(filter)

	query := "SELECT id FROM tasks " + where + " ORDER BY index ASC"
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStatusIf performs the conditional status transition that gives the
// engine single-writer semantics. Returns false when 0 rows were affected,
// meaning another worker owns the task.
func (m TaskModel) UpdateStatusIf(ctx context.Context, id int64, from []string, to string, errMsg *string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, error = $2, operation_time = (NOW() AT TIME ZONE 'UTC')
		WHERE id = $3 AND status = ANY($4)`

	res, err := m.DB.ExecContext(ctx, query, to, errMsg, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ResetForRerun re-arms matching terminal tasks back to pending. Tasks that
// are currently playing are left untouched.
func (m TaskModel) ResetForRerun(ctx context.Context, filter TaskFilter) (int64, error) {
	where, args := buildTaskWhere(filter)

	query := fmt.Sprintf(`
		UPDATE tasks
		SET status = '%s', error = NULL, operation_time = (NOW() AT TIME ZONE 'UTC')
		%s AND status <> '%s'`, TaskStatusPending, where, TaskStatusPlaying)

	res, err := m.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SweepStalePlaying recovers tasks whose executor died: any task playing for
// longer than factor*window + slack is moved back to failed.
func (m TaskModel) SweepStalePlaying(ctx context.Context, now time.Time, factor int, slack time.Duration) (int64, error) {
	query := `
		UPDATE tasks
		SET status = $1, error = 'stale playing task swept by reaper', operation_time = (NOW() AT TIME ZONE 'UTC')
		WHERE status = $2
		  AND operation_time < $3 - make_interval(secs => (end_ts - start_ts) * $4 + $5)`

	res, err := m.DB.ExecContext(ctx, query,
		TaskStatusFailed, TaskStatusPlaying, now.UTC(), factor, int64(slack.Seconds()),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReconcileScreenshotTaken corrects tasks that have an image recorded but a
// stale non-terminal status, which happens when a crash lands between the
// blob write and the status commit of an earlier build, or after a manual
// restore of the image tree.
func (m TaskModel) ReconcileScreenshotTaken(ctx context.Context) (int64, error) {
	query := `
		UPDATE tasks
		SET status = $1, error = NULL, operation_time = (NOW() AT TIME ZONE 'UTC')
		WHERE screenshot_path IS NOT NULL AND status IN ($2, $3)`

	res, err := m.DB.ExecContext(ctx, query, TaskStatusScreenshotTaken, TaskStatusPending, TaskStatusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m TaskModel) CountByStatus(ctx context.Context, date string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM tasks WHERE date = $1 GROUP BY status`
	rows, err := m.DB.QueryContext(ctx, query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Delete removes a task; snapshots, space states and change rows cascade at
// the schema level. Blob files are left in place.
func (m TaskModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m TaskModel) DeleteMatching(ctx context.Context, date, ip, channel string) (int64, error) {
	where := "WHERE date = $1"
	args := []any{date}
	next := 2
	if ip != "" {
		where += fmt.Sprintf(" AND ip = $%d", next)
		args = append(args, ip)
		next++
	}
	if channel != "" {
		where += fmt.Sprintf(" AND LOWER(channel) = LOWER($%d)", next)
		args = append(args, channel)
		next++
	}

	res, err := m.DB.ExecContext(ctx, "DELETE FROM tasks "+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m TaskModel) AvailableDates(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, `SELECT DISTINCT date FROM tasks ORDER BY date DESC`)
}

func (m TaskModel) AvailableIPs(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, `SELECT DISTINCT ip FROM tasks WHERE ip <> '' ORDER BY ip`)
}

func (m TaskModel) AvailableChannels(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, `SELECT DISTINCT channel FROM tasks WHERE channel <> '' ORDER BY channel`)
}

func (m TaskModel) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
