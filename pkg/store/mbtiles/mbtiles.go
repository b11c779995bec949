// Package mbtiles implements store.TileStore against a single MBTiles
// SQLite archive (spec section 4.1). Row addressing follows the MBTiles
// convention of TMS y, the same (1<<z)-1-y involution the reference
// tarkov-database tileserver mbtiles loader applies when parsing tile
// coordinates from a request.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/retry"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
	"github.com/nervsystems/tileengine/pkg/tilemath"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT);
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level INTEGER,
	tile_column INTEGER,
	tile_row INTEGER,
	tile_data BLOB,
	tile_hash TEXT,
	created_at INTEGER,
	PRIMARY KEY (zoom_level, tile_column, tile_row)
);
CREATE UNIQUE INDEX IF NOT EXISTS metadata_name_idx ON metadata (name);
`

// busyRetry governs SQLITE_BUSY retries on write statements; a single
// mbtiles file is usually written by one seed/render run at a time, but
// concurrent readers plus an occasional writer still contend for the
// file lock under WAL.
var busyRetry = retry.Options{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}

// Store is a TileStore backed by one MBTiles SQLite file.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (creating if necessary) an MBTiles archive at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "mbtiles.Open", "opening sqlite database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, tileerrors.Wrap(tileerrors.Fatal, "mbtiles.Open", "creating schema", err)
	}
	if err := migrateAddHashColumn(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// migrateAddHashColumn adds the tile_hash and created_at columns to
// archives created before this store tracked them. ALTER TABLE ADD
// COLUMN is idempotent here: it is only attempted when the column is
// absent, and existing rows read back as NULL until the next write
// touches them, matching spec section 9's resolution of the
// "ALTER TABLE crashes on second run" open question.
func migrateAddHashColumn(db *sql.DB) error {
	cols, err := tableColumns(db, "tiles")
	if err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "mbtiles.migrate", "reading table info", err)
	}
	if !cols["tile_hash"] {
		if _, err := db.Exec("ALTER TABLE tiles ADD COLUMN tile_hash TEXT"); err != nil {
			return tileerrors.Wrap(tileerrors.Fatal, "mbtiles.migrate", "adding tile_hash column", err)
		}
	}
	if !cols["created_at"] {
		if _, err := db.Exec("ALTER TABLE tiles ADD COLUMN created_at INTEGER"); err != nil {
			return tileerrors.Wrap(tileerrors.Fatal, "mbtiles.migrate", "adding created_at column", err)
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rowForZ(z, y int) int {
	return tilemath.ToTMS(y, z)
}

func (s *Store) GetTile(ctx context.Context, z, x, y int) ([]byte, store.Headers, error) {
	row := rowForZ(z, y)
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", z, x, row).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.Headers{}, tileerrors.New(tileerrors.NotFound, "mbtiles.GetTile", "tile not found")
	}
	if err != nil {
		return nil, store.Headers{}, tileerrors.Wrap(tileerrors.Transient, "mbtiles.GetTile", "querying tile", err)
	}

	format, encoding := tileformat.Sniff(data)
	headers := store.Headers{ContentType: format.ContentType()}
	if encoding != tileformat.EncodingNone {
		headers.ContentEncoding = encoding.String()
	}
	return data, headers, nil
}

func (s *Store) PutTile(ctx context.Context, z, x, y int, data []byte, storeTransparent bool) error {
	if store.ShouldDropTransparent(data, storeTransparent) {
		return nil
	}

	row := rowForZ(z, y)
	hash := store.TileMD5(data)
	now := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	return retry.Do(ctx, busyRetry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data, tile_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET
				tile_data = excluded.tile_data,
				tile_hash = excluded.tile_hash,
				created_at = excluded.created_at`,
			z, x, row, data, hash, now)
		if err != nil && isBusy(err) {
			return tileerrors.Wrap(tileerrors.Transient, "mbtiles.PutTile", "database busy", err)
		}
		if err != nil {
			return tileerrors.Wrap(tileerrors.Fatal, "mbtiles.PutTile", "upserting tile", err)
		}
		return nil
	})
}

func (s *Store) DeleteTile(ctx context.Context, z, x, y int) error {
	row := rowForZ(z, y)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", z, x, row)
	if err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "mbtiles.DeleteTile", "deleting tile", err)
	}
	return nil
}

func (s *Store) TileHash(ctx context.Context, z, x, y int) (string, error) {
	row := rowForZ(z, y)
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT tile_hash FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", z, x, row).
		Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tileerrors.New(tileerrors.NotFound, "mbtiles.TileHash", "tile not found")
	}
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "mbtiles.TileHash", "querying tile hash", err)
	}
	if !hash.Valid {
		// Row predates the tile_hash column and has not been rewritten
		// since the migration ran; recompute from the stored bytes.
		return s.recomputeHash(ctx, z, x, row)
	}
	return hash.String, nil
}

func (s *Store) recomputeHash(ctx context.Context, z, x, row int) (string, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", z, x, row).
		Scan(&data); err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "mbtiles.recomputeHash", "re-reading tile data", err)
	}
	hash := store.TileMD5(data)

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE tiles SET tile_hash = ? WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", hash, z, x, row)
	s.mu.Unlock()
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "mbtiles.recomputeHash", "backfilling tile hash", err)
	}
	return hash, nil
}

func (s *Store) TileCreated(ctx context.Context, z, x, y int) (time.Time, error) {
	row := rowForZ(z, y)
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", z, x, row).
		Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, tileerrors.New(tileerrors.NotFound, "mbtiles.TileCreated", "tile not found")
	}
	if err != nil {
		return time.Time{}, tileerrors.Wrap(tileerrors.Transient, "mbtiles.TileCreated", "querying tile created_at", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

func (s *Store) ExtraInfoForCoverage(ctx context.Context, plan coverage.Plan, mode store.ExtraInfoMode) (map[string]string, error) {
	out := make(map[string]string)
	col := "tile_hash"
	if mode == store.ModeCreated {
		col = "created_at"
	}

	for _, zr := range plan.ZoomRanges {
		rowMin := tilemath.ToTMS(zr.YMax, zr.Zoom)
		rowMax := tilemath.ToTMS(zr.YMin, zr.Zoom)

		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT tile_column, tile_row, %s FROM tiles
				WHERE zoom_level = ? AND tile_column BETWEEN ? AND ? AND tile_row BETWEEN ? AND ?`, col),
			zr.Zoom, zr.XMin, zr.XMax, rowMin, rowMax)
		if err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "mbtiles.ExtraInfoForCoverage", "querying coverage", err)
		}

		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var tileCol, tileRow int
				var val sql.NullString
				if mode == store.ModeCreated {
					var ts sql.NullInt64
					if err := rows.Scan(&tileCol, &tileRow, &ts); err != nil {
						return err
					}
					if ts.Valid {
						val = sql.NullString{String: strconv.FormatInt(ts.Int64, 10), Valid: true}
					}
				} else {
					if err := rows.Scan(&tileCol, &tileRow, &val); err != nil {
						return err
					}
				}
				if !val.Valid {
					continue
				}
				xyzY := tilemath.ToXYZ(tileRow, zr.Zoom)
				out[store.TileKey(zr.Zoom, tileCol, xyzY)] = val.String
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "mbtiles.ExtraInfoForCoverage", "scanning coverage rows", err)
		}
	}

	return out, nil
}

func (s *Store) GetMetadata(ctx context.Context) (store.Metadata, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "mbtiles.GetMetadata", "querying metadata", err)
	}
	defer rows.Close()

	meta := make(store.Metadata)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "mbtiles.GetMetadata", "scanning metadata row", err)
		}
		if value != "" {
			meta[name] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "mbtiles.GetMetadata", "iterating metadata", err)
	}

	observed, haveObserved, err := s.observedBounds(ctx)
	if err != nil {
		return nil, err
	}
	derived := store.ApplyDerivedDefaults(meta, observed, haveObserved)

	if _, ok := derived["vector_layers"]; !ok && derived["format"] == "pbf" {
		if layers, err := deriveVectorLayers(ctx, s.db); err == nil && layers != "" {
			derived["vector_layers"] = layers
		}
	}

	return derived, nil
}

func (s *Store) observedBounds(ctx context.Context) ([4]float64, bool, error) {
	var minZoom, maxZoom sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT min(zoom_level), max(zoom_level) FROM tiles").Scan(&minZoom, &maxZoom); err != nil {
		return [4]float64{}, false, tileerrors.Wrap(tileerrors.Transient, "mbtiles.observedBounds", "querying zoom extent", err)
	}
	if !minZoom.Valid {
		return [4]float64{}, false, nil
	}

	var xMin, xMax, yMinTMS, yMaxTMS sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT min(tile_column), max(tile_column), min(tile_row), max(tile_row) FROM tiles WHERE zoom_level = ?",
		maxZoom.Int64).Scan(&xMin, &xMax, &yMinTMS, &yMaxTMS); err != nil {
		return [4]float64{}, false, tileerrors.Wrap(tileerrors.Transient, "mbtiles.observedBounds", "querying tile extent", err)
	}
	if !xMin.Valid {
		return [4]float64{}, false, nil
	}

	z := int(maxZoom.Int64)
	yMinXYZ := tilemath.ToXYZ(int(yMaxTMS.Int64), z)
	yMaxXYZ := tilemath.ToXYZ(int(yMinTMS.Int64), z)
	bbox := tilemath.BBoxFromTileRange(int(xMin.Int64), yMinXYZ, int(xMax.Int64), yMaxXYZ, z, tilemath.XYZ)
	return [4]float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat}, true, nil
}

func (s *Store) UpdateMetadata(ctx context.Context, updates store.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "mbtiles.UpdateMetadata", "starting transaction", err)
	}
	defer tx.Rollback()

	for k, v := range updates {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO metadata (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
			k, v); err != nil {
			return tileerrors.Wrap(tileerrors.Fatal, "mbtiles.UpdateMetadata", fmt.Sprintf("writing metadata key %q", k), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "mbtiles.UpdateMetadata", "committing transaction", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM tiles").Scan(&n); err != nil {
		return 0, tileerrors.Wrap(tileerrors.Transient, "mbtiles.Count", "counting tiles", err)
	}
	return n, nil
}

// Size reports the archive file's on-disk size in bytes, as spec section
// 4.3 names explicitly. It stats the file directly rather than summing
// page_count*page_size, since WAL mode can leave the main file smaller
// than its logical size until the next checkpoint - os.Stat reports what
// actually occupies disk space right now.
func (s *Store) Size(ctx context.Context) (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, tileerrors.Wrap(tileerrors.Transient, "mbtiles.Size", "stating archive file", err)
	}
	return info.Size(), nil
}

// Vacuum reclaims space after bulk deletion, matching the maintenance
// step a long-running cleanup pass needs after removing stale tiles.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "mbtiles.Vacuum", "vacuuming database", err)
	}
	return nil
}

// RecomputeMissingHashes backfills tile_hash for rows written before the
// migration added the column, in page-sized batches so a large archive
// does not hold the write lock for the whole pass.
func (s *Store) RecomputeMissingHashes(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	total := 0
	for {
		type pending struct {
			z, x, y int
			data    []byte
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles WHERE tile_hash IS NULL LIMIT ?", batchSize)
		if err != nil {
			return total, tileerrors.Wrap(tileerrors.Transient, "mbtiles.RecomputeMissingHashes", "querying pending rows", err)
		}

		var batch []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.z, &p.x, &p.y, &p.data); err != nil {
				rows.Close()
				return total, tileerrors.Wrap(tileerrors.Transient, "mbtiles.RecomputeMissingHashes", "scanning pending row", err)
			}
			batch = append(batch, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return total, tileerrors.Wrap(tileerrors.Transient, "mbtiles.RecomputeMissingHashes", "iterating pending rows", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		s.mu.Lock()
		for _, p := range batch {
			hash := store.TileMD5(p.data)
			if _, err := s.db.ExecContext(ctx,
				"UPDATE tiles SET tile_hash = ? WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
				hash, p.z, p.x, p.y); err != nil {
				s.mu.Unlock()
				return total, tileerrors.Wrap(tileerrors.Fatal, "mbtiles.RecomputeMissingHashes", "writing backfilled hash", err)
			}
			total++
		}
		s.mu.Unlock()
	}
}

func isBusy(err error) bool {
	return strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")
}
