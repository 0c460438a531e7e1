// Package sqlite persists authority state in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/state"
	"github.com/danmuck/adminsync/internal/storage/sqlite/migrations"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	migrationTable = "schema_migrations"

	settingProtection = "protection"
	settingConfig     = "config"
	settingMotd       = "motd"
)

var ErrNotConfigured = errors.New("sqlite: store is not configured")

// Store implements state.Store. Snapshots are stored as CBOR blobs with a
// few columns lifted out for inspection.
type Store struct {
	sqlDB  *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

var _ state.Store = (*Store)(nil)

// Open opens path, creating it if needed, and applies embedded migrations.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Str("path", path).Msg("sqlite store opened")
	return &Store{sqlDB: sqlDB, now: time.Now, logger: logger}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Load(ctx context.Context) (state.Dataset, error) {
	if err := s.ready(ctx); err != nil {
		return state.Dataset{}, err
	}
	var ds state.Dataset

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT player_id, payload FROM players ORDER BY player_id`)
	if err != nil {
		return state.Dataset{}, fmt.Errorf("query players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return state.Dataset{}, fmt.Errorf("scan player: %w", err)
		}
		snap, err := state.Unmarshal[state.PermissionSnapshot](payload)
		if err != nil {
			return state.Dataset{}, fmt.Errorf("decode player %d: %w", uint64(id), err)
		}
		snap.Player = protocol.PlayerID(uint64(id))
		ds.Players = append(ds.Players, snap)
	}
	if err := rows.Err(); err != nil {
		return state.Dataset{}, fmt.Errorf("iterate players: %w", err)
	}
	sort.Slice(ds.Players, func(i, j int) bool { return ds.Players[i].Player < ds.Players[j].Player })

	if ds.Protection, err = loadSetting[state.ProtectionSnapshot](ctx, s.sqlDB, settingProtection); err != nil {
		return state.Dataset{}, err
	}
	if ds.Config, err = loadSetting[state.ServerConfig](ctx, s.sqlDB, settingConfig); err != nil {
		return state.Dataset{}, err
	}
	if ds.Motd, err = loadSetting[state.MessageOfTheDay](ctx, s.sqlDB, settingMotd); err != nil {
		return state.Dataset{}, err
	}
	s.logger.Debug().Int("players", len(ds.Players)).Msg("sqlite dataset loaded")
	return ds, nil
}

func (s *Store) SavePlayer(ctx context.Context, snap state.PermissionSnapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	payload, err := state.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO players (player_id, role, banned, force_kicked, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(player_id) DO UPDATE SET
		   role = excluded.role,
		   banned = excluded.banned,
		   force_kicked = excluded.force_kicked,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		int64(uint64(snap.Player)),
		int(snap.Role),
		boolInt(snap.Banned),
		boolInt(snap.ForceKicked),
		payload,
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save player %s: %w", snap.Player, err)
	}
	return nil
}

func (s *Store) SaveProtection(ctx context.Context, snap state.ProtectionSnapshot) error {
	return s.saveSetting(ctx, settingProtection, snap)
}

func (s *Store) SaveConfig(ctx context.Context, cfg state.ServerConfig) error {
	return s.saveSetting(ctx, settingConfig, cfg)
}

func (s *Store) SaveMotd(ctx context.Context, motd state.MessageOfTheDay) error {
	return s.saveSetting(ctx, settingMotd, motd)
}

// BannedPlayers lists banned player ids without decoding payloads.
func (s *Store) BannedPlayers(ctx context.Context) ([]protocol.PlayerID, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT player_id FROM players WHERE banned = 1 ORDER BY player_id`)
	if err != nil {
		return nil, fmt.Errorf("query banned: %w", err)
	}
	defer rows.Close()
	var out []protocol.PlayerID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan banned: %w", err)
		}
		out = append(out, protocol.PlayerID(uint64(id)))
	}
	return out, rows.Err()
}

func (s *Store) saveSetting(ctx context.Context, name string, v any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	payload, err := state.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO settings (name, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		name, payload, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrNotConfigured
	}
	return nil
}

func loadSetting[T any](ctx context.Context, db *sql.DB, name string) (*T, error) {
	var payload []byte
	err := db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE name = ?`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	v, err := state.Unmarshal[T](payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// applyMigrations runs each embedded .sql file once, in name order.
func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var count int
		if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE name = ?`, migrationTable), file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (name, applied_at) VALUES (?, ?)`, migrationTable), file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}
