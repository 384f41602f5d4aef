package data

import (
	"context"
	"database/sql"
	"strings"
)

type NvrConfigModel struct {
	DB *sql.DB
}

// CreateNvr inserts the NVR with its channels and spaces in one transaction.
func (m NvrConfigModel) CreateNvr(ctx context.Context, cfg *NvrConfig) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO nvr_configs (parking_name, nvr_ip, nvr_port, nvr_user, nvr_password,
			ext_db_host, ext_db_port, ext_db_user, ext_db_password, ext_db_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		cfg.ParkingName, cfg.NvrIP, cfg.NvrPort, cfg.NvrUser, cfg.NvrPassword,
		cfg.ExtDBHost, cfg.ExtDBPort, cfg.ExtDBUser, cfg.ExtDBPassword, cfg.ExtDBName,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return err
	}

	if err := m.insertChannels(ctx, tx, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateNvr rewrites the NVR row and replaces its channel/space tree.
// Children are replaced wholesale; the cascade delete keeps orphaned spaces
// from surviving.
func (m NvrConfigModel) UpdateNvr(ctx context.Context, cfg *NvrConfig) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE nvr_configs
		SET parking_name = $1, nvr_ip = $2, nvr_port = $3, nvr_user = $4, nvr_password = $5,
		    ext_db_host = $6, ext_db_port = $7, ext_db_user = $8, ext_db_password = $9, ext_db_name = $10,
		    updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at`,
		cfg.ParkingName, cfg.NvrIP, cfg.NvrPort, cfg.NvrUser, cfg.NvrPassword,
		cfg.ExtDBHost, cfg.ExtDBPort, cfg.ExtDBUser, cfg.ExtDBPassword, cfg.ExtDBName,
		cfg.ID,
	).Scan(&cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_configs WHERE nvr_config_id = $1`, cfg.ID); err != nil {
		return err
	}
	if err := m.insertChannels(ctx, tx, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (m NvrConfigModel) insertChannels(ctx context.Context, tx *sql.Tx, cfg *NvrConfig) error {
	for _, ch := range cfg.Channels {
		ch.NvrConfigID = cfg.ID
		ch.ChannelCode = strings.ToLower(ch.ChannelCode)
		err := tx.QueryRowContext(ctx, `
			INSERT INTO channel_configs (nvr_config_id, channel_code, camera_ip, camera_name, vendor_sn, track_space)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at`,
			ch.NvrConfigID, ch.ChannelCode, ch.CameraIP, ch.CameraName, ch.VendorSN, ch.TrackSpace,
		).Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
		if err != nil {
			return err
		}

		for _, sp := range ch.Spaces {
			sp.ChannelConfigID = ch.ID
			err := tx.QueryRowContext(ctx, `
				INSERT INTO parking_spaces (channel_config_id, space_id, space_name, bbox_x1, bbox_y1, bbox_x2, bbox_y2)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				sp.ChannelConfigID, sp.SpaceID, sp.SpaceName, sp.BboxX1, sp.BboxY1, sp.BboxX2, sp.BboxY2,
			).Scan(&sp.ID)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m NvrConfigModel) DeleteNvr(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM nvr_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m NvrConfigModel) GetNvr(ctx context.Context, id int64) (*NvrConfig, error) {
	var cfg NvrConfig
	err := m.DB.QueryRowContext(ctx, `
		SELECT id, parking_name, nvr_ip, nvr_port, nvr_user, nvr_password,
		       ext_db_host, ext_db_port, ext_db_user, ext_db_password, ext_db_name, created_at, updated_at
		FROM nvr_configs WHERE id = $1`, id).Scan(
		&cfg.ID, &cfg.ParkingName, &cfg.NvrIP, &cfg.NvrPort, &cfg.NvrUser, &cfg.NvrPassword,
		&cfg.ExtDBHost, &cfg.ExtDBPort, &cfg.ExtDBUser, &cfg.ExtDBPassword, &cfg.ExtDBName,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := m.loadChildren(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m NvrConfigModel) loadChildren(ctx context.Context, cfg *NvrConfig) error {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, nvr_config_id, channel_code, camera_ip, camera_name, vendor_sn, track_space, created_at, updated_at
		FROM channel_configs WHERE nvr_config_id = $1 ORDER BY channel_code`, cfg.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ch ChannelConfig
		var track sql.NullString
		if err := rows.Scan(&ch.ID, &ch.NvrConfigID, &ch.ChannelCode, &ch.CameraIP, &ch.CameraName, &ch.VendorSN, &track, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return err
		}
		if track.Valid {
			ch.TrackSpace = &track.String
		}
		cfg.Channels = append(cfg.Channels, &ch)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ch := range cfg.Channels {
		spaces, err := m.spacesForChannel(ctx, ch.ID)
		if err != nil {
			return err
		}
		ch.Spaces = spaces
	}
	return nil
}

func (m NvrConfigModel) spacesForChannel(ctx context.Context, channelID int64) ([]*ParkingSpace, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, channel_config_id, space_id, space_name, bbox_x1, bbox_y1, bbox_x2, bbox_y2
		FROM parking_spaces WHERE channel_config_id = $1 ORDER BY space_name`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaces []*ParkingSpace
	for rows.Next() {
		var sp ParkingSpace
		if err := rows.Scan(&sp.ID, &sp.ChannelConfigID, &sp.SpaceID, &sp.SpaceName, &sp.BboxX1, &sp.BboxY1, &sp.BboxX2, &sp.BboxY2); err != nil {
			return nil, err
		}
		spaces = append(spaces, &sp)
	}
	return spaces, rows.Err()
}

func (m NvrConfigModel) ListNvrs(ctx context.Context, limit, offset int) ([]*NvrConfig, int, error) {
	var total int
	if err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM nvr_configs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, parking_name, nvr_ip, nvr_port, nvr_user, nvr_password,
		       ext_db_host, ext_db_port, ext_db_user, ext_db_password, ext_db_name, created_at, updated_at
		FROM nvr_configs ORDER BY parking_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var cfgs []*NvrConfig
	for rows.Next() {
		var cfg NvrConfig
		if err := rows.Scan(
			&cfg.ID, &cfg.ParkingName, &cfg.NvrIP, &cfg.NvrPort, &cfg.NvrUser, &cfg.NvrPassword,
			&cfg.ExtDBHost, &cfg.ExtDBPort, &cfg.ExtDBUser, &cfg.ExtDBPassword, &cfg.ExtDBName,
			&cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		cfgs = append(cfgs, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for _, cfg := range cfgs {
		if err := m.loadChildren(ctx, cfg); err != nil {
			return nil, 0, err
		}
	}
	return cfgs, total, nil
}

// SpacesForCamera resolves the parking spaces configured for a camera by the
// (ip, channel) the executor extracted from the task URL. The camera ip on
// the channel takes precedence; the NVR ip is the fallback lookup key.
func (m NvrConfigModel) SpacesForCamera(ctx context.Context, ip, channel string) ([]*ParkingSpace, *ChannelConfig, error) {
	query := `
		SELECT ch.id, ch.nvr_config_id, ch.channel_code, ch.camera_ip, ch.camera_name, ch.vendor_sn, ch.track_space, ch.created_at, ch.updated_at
		FROM channel_configs ch
		JOIN nvr_configs n ON ch.nvr_config_id = n.id
		WHERE LOWER(ch.channel_code) = LOWER($2) AND (ch.camera_ip = $1 OR n.nvr_ip = $1)
		ORDER BY (ch.camera_ip = $1) DESC
		LIMIT 1`

	var ch ChannelConfig
	var track sql.NullString
	err := m.DB.QueryRowContext(ctx, query, ip, channel).Scan(
		&ch.ID, &ch.NvrConfigID, &ch.ChannelCode, &ch.CameraIP, &ch.CameraName, &ch.VendorSN, &track, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if track.Valid {
		ch.TrackSpace = &track.String
	}

	spaces, err := m.spacesForChannel(ctx, ch.ID)
	if err != nil {
		return nil, nil, err
	}
	ch.Spaces = spaces
	return spaces, &ch, nil
}
