package data

import (
	"context"
	"database/sql"
)

type TaskConfigModel struct {
	DB *sql.DB
}

// Upsert inserts the plan row or refreshes its aggregates. The unique key
// (date, rtsp_base, channel, interval_minutes) is enforced by the schema so
// concurrent planners converge on one row.
func (m TaskConfigModel) Upsert(ctx context.Context, cfg *TaskConfig) error {
	query := `
		INSERT INTO task_configs (date, rtsp_base, channel, ip, interval_minutes, start_ts, end_ts, task_count, operation_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, (NOW() AT TIME ZONE 'UTC'))
		ON CONFLICT (date, rtsp_base, channel, interval_minutes) DO UPDATE SET
			task_count = EXCLUDED.task_count,
			operation_time = (NOW() AT TIME ZONE 'UTC')
		RETURNING id, operation_time`

	return m.DB.QueryRowContext(ctx, query,
		cfg.Date, cfg.RTSPBase, cfg.Channel, cfg.IP, cfg.IntervalMinutes,
		cfg.StartTS, cfg.EndTS, cfg.TaskCount,
	).Scan(&cfg.ID, &cfg.OperationTime)
}

func (m TaskConfigModel) List(ctx context.Context, date string, limit, offset int) ([]*TaskConfig, int, error) {
	where := ""
	args := []any{}
	if date != "" {
		where = "WHERE date = $1"
		args = append(args, date)
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM task_configs "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, date, rtsp_base, channel, ip, interval_minutes, start_ts, end_ts, task_count, operation_time
		FROM task_configs ` + where + `
		ORDER BY date DESC, ip, channel`
	if date != "" {
		query += " LIMIT $2 OFFSET $3"
	} else {
		query += " LIMIT $1 OFFSET $2"
	}
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var cfgs []*TaskConfig
	for rows.Next() {
		var c TaskConfig
		if err := rows.Scan(
			&c.ID, &c.Date, &c.RTSPBase, &c.Channel, &c.IP, &c.IntervalMinutes,
			&c.StartTS, &c.EndTS, &c.TaskCount, &c.OperationTime,
		); err != nil {
			return nil, 0, err
		}
		cfgs = append(cfgs, &c)
	}
	return cfgs, total, rows.Err()
}
