// Package xyzfs implements store.TileStore against a directory tree laid
// out as <root>/<z>/<x>/<y>.<format> (XYZ scheme), with a sibling SQLite
// index mirroring the hash/created accounting columns MBTiles keeps
// in-row (spec section 4.2). Writes and deletes go through the
// O_CREAT|O_EXCL lock-file protocol in pkg/lockfile, shared with the
// sprite/font/GeoJSON resource cache.
package xyzfs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/lockfile"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
	"github.com/nervsystems/tileengine/pkg/tilemath"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS tile_index (
	z INTEGER, x INTEGER, y INTEGER,
	hash TEXT, created_at INTEGER,
	PRIMARY KEY (z, x, y)
);
CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT);
`

// defaultLockTimeout bounds how long PutTile/DeleteTile wait for an
// in-progress write on the same tile to release its lock file.
const defaultLockTimeout = 30 * time.Second

// Store is a TileStore backed by a directory of per-tile files plus a
// sibling SQLite index.
type Store struct {
	root        string
	index       *sql.DB
	lockTimeout time.Duration
}

// Open opens (creating if necessary) an XYZ filesystem archive rooted at
// root. The index database lives at <root-parent>/<root-basename>.sqlite.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "xyzfs.Open", "creating root directory", err)
	}

	indexPath := indexPathFor(root)
	db, err := sql.Open("sqlite3", indexPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "xyzfs.Open", "opening index database", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, tileerrors.Wrap(tileerrors.Fatal, "xyzfs.Open", "creating index schema", err)
	}

	return &Store{root: root, index: db, lockTimeout: defaultLockTimeout}, nil
}

func indexPathFor(root string) string {
	base := filepath.Base(filepath.Clean(root))
	return filepath.Join(filepath.Dir(filepath.Clean(root)), base+".sqlite")
}

func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) tileFormat() tileformat.Format {
	var value string
	if err := s.index.QueryRow("SELECT value FROM metadata WHERE name = 'format'").Scan(&value); err == nil && value != "" {
		return tileformat.ParseFormat(value)
	}
	return tileformat.PNG
}

func (s *Store) tilePath(z, x, y int) string {
	format := s.tileFormat()
	return filepath.Join(s.root, strconv.Itoa(z), strconv.Itoa(x), fmt.Sprintf("%d.%s", y, format.Extension()))
}

func (s *Store) GetTile(ctx context.Context, z, x, y int) ([]byte, store.Headers, error) {
	path := s.tilePath(z, x, y)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, store.Headers{}, tileerrors.New(tileerrors.NotFound, "xyzfs.GetTile", "tile not found")
	}
	if err != nil {
		return nil, store.Headers{}, tileerrors.Wrap(tileerrors.Transient, "xyzfs.GetTile", "reading tile file", err)
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

	path := s.tilePath(z, x, y)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "xyzfs.PutTile", "creating tile directory", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := lockfile.WriteFile(lockCtx, path, data); err != nil {
		return err
	}

	hash := store.TileMD5(data)
	now := time.Now().Unix()
	_, err := s.index.ExecContext(ctx,
		`INSERT INTO tile_index (z, x, y, hash, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(z, x, y) DO UPDATE SET hash = excluded.hash, created_at = excluded.created_at`,
		z, x, y, hash, now)
	if err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "xyzfs.PutTile", "updating index", err)
	}
	return nil
}

func (s *Store) DeleteTile(ctx context.Context, z, x, y int) error {
	path := s.tilePath(z, x, y)

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := lockfile.RemoveFile(lockCtx, path); err != nil {
		return err
	}

	if _, err := s.index.ExecContext(ctx, "DELETE FROM tile_index WHERE z = ? AND x = ? AND y = ?", z, x, y); err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "xyzfs.DeleteTile", "updating index", err)
	}
	return nil
}

func (s *Store) TileHash(ctx context.Context, z, x, y int) (string, error) {
	var hash sql.NullString
	err := s.index.QueryRowContext(ctx, "SELECT hash FROM tile_index WHERE z = ? AND x = ? AND y = ?", z, x, y).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", tileerrors.New(tileerrors.NotFound, "xyzfs.TileHash", "tile not found")
	}
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "xyzfs.TileHash", "querying index", err)
	}
	if !hash.Valid {
		return s.recomputeHash(ctx, z, x, y)
	}
	return hash.String, nil
}

func (s *Store) recomputeHash(ctx context.Context, z, x, y int) (string, error) {
	data, err := os.ReadFile(s.tilePath(z, x, y))
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "xyzfs.recomputeHash", "reading tile file", err)
	}
	hash := store.TileMD5(data)
	if _, err := s.index.ExecContext(ctx, "UPDATE tile_index SET hash = ? WHERE z = ? AND x = ? AND y = ?", hash, z, x, y); err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "xyzfs.recomputeHash", "backfilling hash", err)
	}
	return hash, nil
}

func (s *Store) TileCreated(ctx context.Context, z, x, y int) (time.Time, error) {
	var ts sql.NullInt64
	err := s.index.QueryRowContext(ctx, "SELECT created_at FROM tile_index WHERE z = ? AND x = ? AND y = ?", z, x, y).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, tileerrors.New(tileerrors.NotFound, "xyzfs.TileCreated", "tile not found")
	}
	if err != nil {
		return time.Time{}, tileerrors.Wrap(tileerrors.Transient, "xyzfs.TileCreated", "querying index", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

func (s *Store) ExtraInfoForCoverage(ctx context.Context, plan coverage.Plan, mode store.ExtraInfoMode) (map[string]string, error) {
	out := make(map[string]string)
	col := "hash"
	if mode == store.ModeCreated {
		col = "created_at"
	}

	for _, zr := range plan.ZoomRanges {
		rows, err := s.index.QueryContext(ctx,
			fmt.Sprintf("SELECT x, y, %s FROM tile_index WHERE z = ? AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?", col),
			zr.Zoom, zr.XMin, zr.XMax, zr.YMin, zr.YMax)
		if err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "xyzfs.ExtraInfoForCoverage", "querying index", err)
		}

		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var x, y int
				var val sql.NullString
				if mode == store.ModeCreated {
					var ts sql.NullInt64
					if err := rows.Scan(&x, &y, &ts); err != nil {
						return err
					}
					if ts.Valid {
						val = sql.NullString{String: strconv.FormatInt(ts.Int64, 10), Valid: true}
					}
				} else {
					if err := rows.Scan(&x, &y, &val); err != nil {
						return err
					}
				}
				if !val.Valid {
					continue
				}
				out[store.TileKey(zr.Zoom, x, y)] = val.String
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "xyzfs.ExtraInfoForCoverage", "scanning index rows", err)
		}
	}

	return out, nil
}

func (s *Store) GetMetadata(ctx context.Context) (store.Metadata, error) {
	rows, err := s.index.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "xyzfs.GetMetadata", "querying metadata", err)
	}
	defer rows.Close()

	meta := make(store.Metadata)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "xyzfs.GetMetadata", "scanning metadata row", err)
		}
		if value != "" {
			meta[name] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "xyzfs.GetMetadata", "iterating metadata", err)
	}

	observed, haveObserved, err := s.observedBounds(ctx)
	if err != nil {
		return nil, err
	}
	return store.ApplyDerivedDefaults(meta, observed, haveObserved), nil
}

func (s *Store) observedBounds(ctx context.Context) ([4]float64, bool, error) {
	var maxZoom sql.NullInt64
	if err := s.index.QueryRowContext(ctx, "SELECT max(z) FROM tile_index").Scan(&maxZoom); err != nil {
		return [4]float64{}, false, tileerrors.Wrap(tileerrors.Transient, "xyzfs.observedBounds", "querying zoom extent", err)
	}
	if !maxZoom.Valid {
		return [4]float64{}, false, nil
	}

	var xMin, xMax, yMin, yMax sql.NullInt64
	if err := s.index.QueryRowContext(ctx,
		"SELECT min(x), max(x), min(y), max(y) FROM tile_index WHERE z = ?", maxZoom.Int64).
		Scan(&xMin, &xMax, &yMin, &yMax); err != nil {
		return [4]float64{}, false, tileerrors.Wrap(tileerrors.Transient, "xyzfs.observedBounds", "querying tile extent", err)
	}
	if !xMin.Valid {
		return [4]float64{}, false, nil
	}

	z := int(maxZoom.Int64)
	bbox := tilemath.BBoxFromTileRange(int(xMin.Int64), int(yMin.Int64), int(xMax.Int64), int(yMax.Int64), z, tilemath.XYZ)
	return [4]float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat}, true, nil
}

func (s *Store) UpdateMetadata(ctx context.Context, updates store.Metadata) error {
	tx, err := s.index.BeginTx(ctx, nil)
	if err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "xyzfs.UpdateMetadata", "starting transaction", err)
	}
	defer tx.Rollback()

	for k, v := range updates {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO metadata (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
			k, v); err != nil {
			return tileerrors.Wrap(tileerrors.Fatal, "xyzfs.UpdateMetadata", fmt.Sprintf("writing metadata key %q", k), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "xyzfs.UpdateMetadata", "committing transaction", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.index.QueryRowContext(ctx, "SELECT count(*) FROM tile_index").Scan(&n); err != nil {
		return 0, tileerrors.Wrap(tileerrors.Transient, "xyzfs.Count", "counting tiles", err)
	}
	return n, nil
}

// Size reports the combined on-disk size in bytes of every tile file
// under root plus the sibling index database, walked directly rather
// than tracked in the index, since the index's job is coordinate
// lookups, not bookkeeping file sizes.
func (s *Store) Size(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, tileerrors.Wrap(tileerrors.Transient, "xyzfs.Size", "walking tile directory", err)
	}

	if info, err := os.Stat(indexPathFor(s.root)); err == nil {
		total += info.Size()
	}
	return total, nil
}
