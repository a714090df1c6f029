// Package state manages the SQLite database holding the device registry
// snapshot and the normalised sample store.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/wearsync/wearsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    id            TEXT PRIMARY KEY,
    display_name  TEXT NOT NULL,
    provider_kind TEXT NOT NULL,
    capabilities  TEXT NOT NULL DEFAULT '',
    battery_level INTEGER,
    last_sync_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS samples (
    device_id TEXT    NOT NULL,
    kind      TEXT    NOT NULL,
    timestamp INTEGER NOT NULL,
    value     REAL    NOT NULL,
    source    TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (device_id, kind, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_samples_device_ts ON samples (device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_samples_kind_ts   ON samples (kind, timestamp);
CREATE INDEX IF NOT EXISTS idx_samples_ts        ON samples (timestamp);
`

// SampleQuery selects a time range of samples. DeviceID and Kind are
// optional filters; From/To bound the event time (inclusive).
type SampleQuery struct {
	DeviceID string
	Kind     model.SampleKind
	From     time.Time
	To       time.Time
	Limit    int // 0 = no limit
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path:
// ~/.local/share/wearsync/wearsync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "wearsync", "wearsync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. This also serialises
	// same-key sample upserts from concurrent device workers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- devices -----------------------------------------------------------------

// UpsertDevice inserts or replaces the persisted snapshot of a device.
// Runtime connection state is deliberately not persisted; devices restore as
// disconnected.
func (s *Store) UpsertDevice(ctx context.Context, dev model.WearableDevice) error {
	const q = `
		INSERT INTO devices (id, display_name, provider_kind, capabilities, battery_level, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    display_name  = excluded.display_name,
		    provider_kind = excluded.provider_kind,
		    capabilities  = excluded.capabilities,
		    battery_level = excluded.battery_level,
		    last_sync_at  = excluded.last_sync_at`

	var battery any
	if dev.BatteryLevel != nil {
		battery = *dev.BatteryLevel
	}
	_, err := s.db.ExecContext(ctx, q,
		dev.ID,
		dev.DisplayName,
		string(dev.Provider),
		joinKinds(dev.Capabilities),
		battery,
		formatTime(dev.LastSyncAt),
	)
	if err != nil {
		return fmt.Errorf("upserting device %q: %w", dev.ID, err)
	}
	return nil
}

// DeleteDevice removes the device snapshot. Called on explicit forget only;
// a transient drop never reaches here. The device's samples stay behind and
// age out through [Store.PurgeBefore].
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting device %q: %w", id, err)
	}
	return nil
}

// ListDevices returns every persisted device snapshot, ordered by ID.
func (s *Store) ListDevices(ctx context.Context) ([]model.WearableDevice, error) {
	const q = `
		SELECT id, display_name, provider_kind, capabilities, battery_level, last_sync_at
		FROM devices ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []model.WearableDevice
	for rows.Next() {
		var dev model.WearableDevice
		var kind, caps, syncedAt string
		var battery sql.NullInt64
		if err := rows.Scan(&dev.ID, &dev.DisplayName, &kind, &caps, &battery, &syncedAt); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		dev.Provider = model.ProviderKind(kind)
		dev.Capabilities = splitKinds(caps)
		if battery.Valid {
			lvl := int(battery.Int64)
			dev.BatteryLevel = &lvl
		}
		dev.LastSyncAt, _ = parseTime(syncedAt)
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// --- samples -----------------------------------------------------------------

// UpsertSample stores a sample, replacing any existing sample with the same
// (device, kind, timestamp) key. Last write wins, since providers may
// re-report corrected values for the same instant.
func (s *Store) UpsertSample(ctx context.Context, sample model.HealthDataSample) error {
	const q = `
		INSERT INTO samples (device_id, kind, timestamp, value, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id, kind, timestamp) DO UPDATE SET
		    value  = excluded.value,
		    source = excluded.source`

	_, err := s.db.ExecContext(ctx, q,
		sample.DeviceID,
		string(sample.Kind),
		sample.Timestamp.Unix(),
		sample.Value,
		sample.Source,
	)
	if err != nil {
		return fmt.Errorf("upserting sample %s/%s: %w", sample.DeviceID, sample.Kind, err)
	}
	return nil
}

// QuerySamples returns samples matching q ordered by event time ascending.
// Queries never fail because of a device's connection trouble; they return
// whatever was last ingested.
func (s *Store) QuerySamples(ctx context.Context, q SampleQuery) ([]model.HealthDataSample, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT device_id, kind, timestamp, value, source FROM samples WHERE 1=1`)
	if q.DeviceID != "" {
		sb.WriteString(` AND device_id = ?`)
		args = append(args, q.DeviceID)
	}
	if q.Kind != "" {
		sb.WriteString(` AND kind = ?`)
		args = append(args, string(q.Kind))
	}
	if !q.From.IsZero() {
		sb.WriteString(` AND timestamp >= ?`)
		args = append(args, q.From.Unix())
	}
	if !q.To.IsZero() {
		sb.WriteString(` AND timestamp <= ?`)
		args = append(args, q.To.Unix())
	}
	sb.WriteString(` ORDER BY timestamp ASC, device_id, kind`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []model.HealthDataSample
	for rows.Next() {
		var sm model.HealthDataSample
		var kind string
		var unix int64
		if err := rows.Scan(&sm.DeviceID, &kind, &unix, &sm.Value, &sm.Source); err != nil {
			return nil, fmt.Errorf("scanning sample row: %w", err)
		}
		sm.Kind = model.SampleKind(kind)
		sm.Timestamp = time.Unix(unix, 0).UTC()
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// PurgeBefore deletes samples with event time strictly older than cutoff and
// returns the number removed. A sample at exactly the cutoff survives.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purging samples before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // count is advisory
	}
	return n, nil
}

// CountSamples returns the total number of stored samples for a device
// (all devices when id is empty).
func (s *Store) CountSamples(ctx context.Context, id string) (int, error) {
	var (
		count int
		err   error
	)
	if id == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE device_id = ?`, id).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting samples: %w", err)
	}
	return count, nil
}

// --- helpers -----------------------------------------------------------------

func joinKinds(kinds []model.SampleKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

func splitKinds(s string) []model.SampleKind {
	if s == "" {
		return nil
	}
	var kinds []model.SampleKind
	for _, part := range strings.Split(s, ",") {
		if k, ok := model.ParseSampleKind(part); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
