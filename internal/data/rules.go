package data

import (
	"context"
	"database/sql"
	"time"
)

type RuleModel struct {
	DB *sql.DB
}

const ruleColumns = `id, name, use_today, custom_date, base_rtsp, channel, interval_minutes, trigger_time,
	is_enabled, execution_count, last_executed_at, last_execution_status, last_execution_error, created_at, updated_at`

func (m RuleModel) Create(ctx context.Context, rule *AutoRule) error {
	query := `
		INSERT INTO auto_rules (name, use_today, custom_date, base_rtsp, channel, interval_minutes, trigger_time, is_enabled, last_execution_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		rule.Name, rule.UseToday, rule.CustomDate, rule.BaseRTSP, rule.Channel,
		rule.IntervalMinutes, rule.TriggerTime, rule.IsEnabled, RuleExecNone,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

func (m RuleModel) Update(ctx context.Context, rule *AutoRule) error {
	query := `
		UPDATE auto_rules
		SET name = $1, use_today = $2, custom_date = $3, base_rtsp = $4, channel = $5,
		    interval_minutes = $6, trigger_time = $7, is_enabled = $8, updated_at = NOW()
		WHERE id = $9
		RETURNING updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		rule.Name, rule.UseToday, rule.CustomDate, rule.BaseRTSP, rule.Channel,
		rule.IntervalMinutes, rule.TriggerTime, rule.IsEnabled, rule.ID,
	).Scan(&rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

func (m RuleModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM auto_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m RuleModel) GetByID(ctx context.Context, id int64) (*AutoRule, error) {
	row := m.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM auto_rules WHERE id = $1`, id)
	return scanRuleRow(row)
}

func (m RuleModel) ListAll(ctx context.Context) ([]*AutoRule, error) {
	return m.list(ctx, `SELECT `+ruleColumns+` FROM auto_rules ORDER BY id`)
}

func (m RuleModel) ListEnabled(ctx context.Context) ([]*AutoRule, error) {
	return m.list(ctx, `SELECT `+ruleColumns+` FROM auto_rules WHERE is_enabled ORDER BY id`)
}

func (m RuleModel) list(ctx context.Context, query string) ([]*AutoRule, error) {
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AutoRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkExecution records an execution attempt. Status "running" also bumps
// execution_count and last_executed_at so the trigger dedup survives a
// process restart within the same wall minute.
func (m RuleModel) MarkExecution(ctx context.Context, id int64, at time.Time, status string, execErr *string) error {
	var query string
	if status == RuleExecRunning {
		query = `
			UPDATE auto_rules
			SET last_executed_at = $1, last_execution_status = $2, last_execution_error = $3,
			    execution_count = execution_count + 1, updated_at = NOW()
			WHERE id = $4`
	} else {
		query = `
			UPDATE auto_rules
			SET last_executed_at = $1, last_execution_status = $2, last_execution_error = $3, updated_at = NOW()
			WHERE id = $4`
	}
	_, err := m.DB.ExecContext(ctx, query, at.UTC(), status, execErr, id)
	return err
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRuleRow(row *sql.Row) (*AutoRule, error) {
	r, err := scanRuleFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return r, err
}

func scanRule(rows *sql.Rows) (*AutoRule, error) {
	return scanRuleFrom(rows)
}

func scanRuleFrom(s ruleScanner) (*AutoRule, error) {
	var r AutoRule
	var customDate sql.NullString
	var lastExec sql.NullTime
	var lastErr sql.NullString
	err := s.Scan(
		&r.ID, &r.Name, &r.UseToday, &customDate, &r.BaseRTSP, &r.Channel,
		&r.IntervalMinutes, &r.TriggerTime, &r.IsEnabled, &r.ExecutionCount,
		&lastExec, &r.LastExecStatus, &lastErr, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customDate.Valid {
		r.CustomDate = &customDate.String
	}
	if lastExec.Valid {
		r.LastExecutedAt = &lastExec.Time
	}
	if lastErr.Valid {
		r.LastExecError = &lastErr.String
	}
	return &r, nil
}
