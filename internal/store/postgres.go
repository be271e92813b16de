package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
)

// PostgresStore is the relational registry adapter. It satisfies the same
// contract as MemoryStore; per-key atomicity comes from row-level locking
// inside single-statement updates and SELECT ... FOR UPDATE transactions.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the adapter over an open connection pool.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, now: time.Now}
}

const tankColumns = `ix, id, name, status, temperature, setpoint, capacity_liters,
	fill_level_percent, contents, is_running, last_updated_at, alarms, cuverie_id, is_deleted`

func scanTank(row interface{ Scan(...interface{}) error }) (domain.Tank, error) {
	var (
		tank        domain.Tank
		temperature sql.NullFloat64
		setpoint    sql.NullFloat64
		contents    []byte
		alarms      []byte
		cuverieID   sql.NullString
	)
	err := row.Scan(
		&tank.Index, &tank.ID, &tank.Name, &tank.Status,
		&temperature, &setpoint, &tank.CapacityLiters,
		&tank.FillLevelPercent, &contents, &tank.IsRunning,
		&tank.LastUpdatedAt, &alarms, &cuverieID, &tank.IsDeleted,
	)
	if err != nil {
		return domain.Tank{}, err
	}
	if temperature.Valid {
		v := temperature.Float64
		tank.Temperature = &v
	}
	if setpoint.Valid {
		v := setpoint.Float64
		tank.Setpoint = &v
	}
	if len(contents) > 0 {
		var c domain.TankContents
		if err := json.Unmarshal(contents, &c); err == nil {
			tank.Contents = &c
		}
	}
	if len(alarms) > 0 {
		_ = json.Unmarshal(alarms, &tank.Alarms)
	}
	if cuverieID.Valid {
		tank.CuverieID = cuverieID.String
	}
	return tank, nil
}

func marshalTankFields(tank domain.Tank) (contents, alarms []byte, err error) {
	if tank.Contents != nil {
		contents, err = json.Marshal(tank.Contents)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal contents: %w", err)
		}
	}
	if tank.Alarms == nil {
		tank.Alarms = []string{}
	}
	alarms, err = json.Marshal(tank.Alarms)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal alarms: %w", err)
	}
	return contents, alarms, nil
}

func (s *PostgresStore) GetTank(ctx context.Context, index int) (domain.Tank, error) {
	query := `SELECT ` + tankColumns + ` FROM tanks WHERE ix = $1`
	tank, err := scanTank(s.db.QueryRowContext(ctx, query, index))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Tank{}, ErrNotFound
		}
		return domain.Tank{}, fmt.Errorf("failed to get tank: %w", err)
	}
	history, err := s.ListHistory(ctx, index, domain.HistoryCap)
	if err != nil {
		return domain.Tank{}, err
	}
	tank.History = history
	return tank, nil
}

func (s *PostgresStore) ListTanks(ctx context.Context) ([]domain.Tank, error) {
	query := `SELECT ` + tankColumns + ` FROM tanks ORDER BY ix`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tanks: %w", err)
	}
	defer rows.Close()

	var tanks []domain.Tank
	for rows.Next() {
		tank, err := scanTank(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tank: %w", err)
		}
		tanks = append(tanks, tank)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tanks: %w", err)
	}
	for i := range tanks {
		history, err := s.ListHistory(ctx, tanks[i].Index, domain.HistoryCap)
		if err != nil {
			return nil, err
		}
		tanks[i].History = history
	}
	return tanks, nil
}

func (s *PostgresStore) UpsertTank(ctx context.Context, tank domain.Tank) error {
	contents, alarms, err := marshalTankFields(tank)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tanks (` + tankColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (ix) DO UPDATE SET
			id = EXCLUDED.id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			temperature = EXCLUDED.temperature,
			setpoint = EXCLUDED.setpoint,
			capacity_liters = EXCLUDED.capacity_liters,
			fill_level_percent = EXCLUDED.fill_level_percent,
			contents = EXCLUDED.contents,
			is_running = EXCLUDED.is_running,
			last_updated_at = EXCLUDED.last_updated_at,
			alarms = EXCLUDED.alarms,
			cuverie_id = EXCLUDED.cuverie_id,
			is_deleted = EXCLUDED.is_deleted
	`
	_, err = s.db.ExecContext(ctx, query,
		tank.Index, tank.ID, tank.Name, tank.Status,
		nullFloat(tank.Temperature), nullFloat(tank.Setpoint),
		tank.CapacityLiters, tank.FillLevelPercent, contents,
		tank.IsRunning, tank.LastUpdatedAt, alarms,
		nullString(tank.CuverieID), tank.IsDeleted,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tank: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTank(ctx context.Context, index int, mutate TankMutator) (domain.Tank, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tank{}, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + tankColumns + ` FROM tanks WHERE ix = $1 FOR UPDATE`
	tank, err := scanTank(tx.QueryRowContext(ctx, query, index))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Tank{}, ErrNotFound
		}
		return domain.Tank{}, fmt.Errorf("failed to lock tank: %w", err)
	}

	mutate(&tank)
	tank.Index = index
	tank.LastUpdatedAt = s.now()

	contents, alarms, err := marshalTankFields(tank)
	if err != nil {
		return domain.Tank{}, err
	}
	update := `
		UPDATE tanks SET
			id = $2, name = $3, status = $4, temperature = $5, setpoint = $6,
			capacity_liters = $7, fill_level_percent = $8, contents = $9,
			is_running = $10, last_updated_at = $11, alarms = $12,
			cuverie_id = $13, is_deleted = $14
		WHERE ix = $1
	`
	_, err = tx.ExecContext(ctx, update,
		tank.Index, tank.ID, tank.Name, tank.Status,
		nullFloat(tank.Temperature), nullFloat(tank.Setpoint),
		tank.CapacityLiters, tank.FillLevelPercent, contents,
		tank.IsRunning, tank.LastUpdatedAt, alarms,
		nullString(tank.CuverieID), tank.IsDeleted,
	)
	if err != nil {
		return domain.Tank{}, fmt.Errorf("failed to update tank: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Tank{}, fmt.Errorf("failed to commit update: %w", err)
	}

	history, err := s.ListHistory(ctx, index, domain.HistoryCap)
	if err != nil {
		return domain.Tank{}, err
	}
	tank.History = history
	return tank, nil
}

func (s *PostgresStore) AppendHistorySample(ctx context.Context, index int, sample domain.TemperatureSample) error {
	query := `
		INSERT INTO tank_history (tank_ix, recorded_at, value)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.ExecContext(ctx, query, index, sample.Timestamp, sample.Value); err != nil {
		return fmt.Errorf("failed to append history sample: %w", err)
	}
	// keep only the most recent samples per tank
	prune := `
		DELETE FROM tank_history
		WHERE tank_ix = $1 AND recorded_at NOT IN (
			SELECT recorded_at FROM tank_history
			WHERE tank_ix = $1
			ORDER BY recorded_at DESC
			LIMIT $2
		)
	`
	if _, err := s.db.ExecContext(ctx, prune, index, domain.HistoryCap); err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, index int, limit int) ([]domain.TemperatureSample, error) {
	if limit <= 0 || limit > domain.HistoryCap {
		limit = domain.HistoryCap
	}
	query := `
		SELECT recorded_at, value FROM (
			SELECT recorded_at, value FROM tank_history
			WHERE tank_ix = $1
			ORDER BY recorded_at DESC
			LIMIT $2
		) recent ORDER BY recorded_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, index, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var samples []domain.TemperatureSample
	for rows.Next() {
		var sample domain.TemperatureSample
		if err := rows.Scan(&sample.Timestamp, &sample.Value); err != nil {
			return nil, fmt.Errorf("failed to scan history sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return samples, nil
}

func (s *PostgresStore) GetCuverie(ctx context.Context, id string) (domain.Cuverie, error) {
	query := `SELECT id, name, tanks FROM cuveries WHERE id = $1`
	var (
		cuverie domain.Cuverie
		tanks   []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&cuverie.ID, &cuverie.Name, &tanks)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Cuverie{}, ErrNotFound
		}
		return domain.Cuverie{}, fmt.Errorf("failed to get cuverie: %w", err)
	}
	if err := json.Unmarshal(tanks, &cuverie.Tanks); err != nil {
		return domain.Cuverie{}, fmt.Errorf("failed to decode cuverie tanks: %w", err)
	}
	return cuverie, nil
}

func (s *PostgresStore) ListCuveries(ctx context.Context) ([]domain.Cuverie, error) {
	query := `SELECT id, name, tanks FROM cuveries ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cuveries: %w", err)
	}
	defer rows.Close()

	var cuveries []domain.Cuverie
	for rows.Next() {
		var (
			cuverie domain.Cuverie
			tanks   []byte
		)
		if err := rows.Scan(&cuverie.ID, &cuverie.Name, &tanks); err != nil {
			return nil, fmt.Errorf("failed to scan cuverie: %w", err)
		}
		if err := json.Unmarshal(tanks, &cuverie.Tanks); err != nil {
			return nil, fmt.Errorf("failed to decode cuverie tanks: %w", err)
		}
		cuveries = append(cuveries, cuverie)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cuveries: %w", err)
	}
	return cuveries, nil
}

func (s *PostgresStore) UpsertCuverie(ctx context.Context, cuverie domain.Cuverie) error {
	if cuverie.Tanks == nil {
		cuverie.Tanks = []domain.TankDescriptor{}
	}
	tanks, err := json.Marshal(cuverie.Tanks)
	if err != nil {
		return fmt.Errorf("failed to marshal cuverie tanks: %w", err)
	}
	query := `
		INSERT INTO cuveries (id, name, tanks)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, tanks = EXCLUDED.tanks
	`
	if _, err := s.db.ExecContext(ctx, query, cuverie.ID, cuverie.Name, tanks); err != nil {
		return fmt.Errorf("failed to upsert cuverie: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCuverie(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cuveries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete cuverie: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cuverie_modes WHERE cuverie_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete cuverie mode: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMode(ctx context.Context, cuverieID string) (domain.CuverieMode, error) {
	var mode domain.CuverieMode
	err := s.db.QueryRowContext(ctx,
		`SELECT mode FROM cuverie_modes WHERE cuverie_id = $1`, cuverieID).Scan(&mode)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get mode: %w", err)
	}
	return mode, nil
}

func (s *PostgresStore) SetMode(ctx context.Context, cuverieID string, mode domain.CuverieMode) error {
	query := `
		INSERT INTO cuverie_modes (cuverie_id, mode)
		VALUES ($1, $2)
		ON CONFLICT (cuverie_id) DO UPDATE SET mode = EXCLUDED.mode
	`
	if _, err := s.db.ExecContext(ctx, query, cuverieID, mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAlarms(ctx context.Context) ([]domain.Alarm, error) {
	query := `
		SELECT id, tank_ix, severity, message, triggered_at, acknowledged
		FROM alarms ORDER BY triggered_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	defer rows.Close()

	var alarms []domain.Alarm
	for rows.Next() {
		var alarm domain.Alarm
		if err := rows.Scan(&alarm.ID, &alarm.TankIndex, &alarm.Severity,
			&alarm.Message, &alarm.TriggeredAt, &alarm.Acknowledged); err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		alarms = append(alarms, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	return alarms, nil
}

func (s *PostgresStore) AddAlarm(ctx context.Context, alarm domain.Alarm) error {
	query := `
		INSERT INTO alarms (id, tank_ix, severity, message, triggered_at, acknowledged)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query, alarm.ID, alarm.TankIndex,
		alarm.Severity, alarm.Message, alarm.TriggeredAt, alarm.Acknowledged)
	if err != nil {
		return fmt.Errorf("failed to add alarm: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcknowledgeAlarm(ctx context.Context, id string) (domain.Alarm, error) {
	query := `
		UPDATE alarms SET acknowledged = true
		WHERE id = $1
		RETURNING id, tank_ix, severity, message, triggered_at, acknowledged
	`
	var alarm domain.Alarm
	err := s.db.QueryRowContext(ctx, query, id).Scan(&alarm.ID, &alarm.TankIndex,
		&alarm.Severity, &alarm.Message, &alarm.TriggeredAt, &alarm.Acknowledged)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Alarm{}, ErrNotFound
		}
		return domain.Alarm{}, fmt.Errorf("failed to acknowledge alarm: %w", err)
	}
	return alarm, nil
}

func (s *PostgresStore) GetSettings(ctx context.Context) (domain.Settings, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM settings WHERE id = 1`).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Settings{}, ErrNotFound
		}
		return domain.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	var settings domain.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return domain.Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to begin settings update: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	var settings domain.Settings
	err = tx.QueryRowContext(ctx, `SELECT document FROM settings WHERE id = 1 FOR UPDATE`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		// first write seeds the document
	case err != nil:
		return domain.Settings{}, fmt.Errorf("failed to lock settings: %w", err)
	default:
		if err := json.Unmarshal(raw, &settings); err != nil {
			return domain.Settings{}, fmt.Errorf("failed to decode settings: %w", err)
		}
	}

	if patch.AlarmThresholds != nil {
		settings.AlarmThresholds = *patch.AlarmThresholds
	}
	if patch.Preferences != nil {
		settings.Preferences = *patch.Preferences
	}
	if patch.MQTT != nil {
		settings.MQTT = *patch.MQTT
	}

	updated, err := json.Marshal(settings)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to marshal settings: %w", err)
	}
	query := `
		INSERT INTO settings (id, document) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document
	`
	if _, err := tx.ExecContext(ctx, query, updated); err != nil {
		return domain.Settings{}, fmt.Errorf("failed to update settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Settings{}, fmt.Errorf("failed to commit settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, entry domain.EventLogEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}
	query := `
		INSERT INTO events (id, occurred_at, tank_ix, category, source, summary, details, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query, entry.ID, entry.Timestamp,
		nullInt(entry.TankIndex), entry.Category, entry.Source,
		entry.Summary, nullString(entry.Details), metadata)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]domain.EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, occurred_at, tank_ix, category, source, summary, details, metadata
		FROM events ORDER BY occurred_at DESC LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []domain.EventLogEntry
	for rows.Next() {
		var (
			entry    domain.EventLogEntry
			tankIx   sql.NullInt64
			details  sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &tankIx, &entry.Category,
			&entry.Source, &entry.Summary, &details, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if tankIx.Valid {
			ix := int(tankIx.Int64)
			entry.TankIndex = &ix
		}
		if details.Valid {
			entry.Details = details.String
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &entry.Metadata)
		}
		events = append(events, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
