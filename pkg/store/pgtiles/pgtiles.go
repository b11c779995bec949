// Package pgtiles implements store.TileStore against a dedicated
// PostgreSQL database per archive (spec section 4.5). The connection URI
// convention is "<base>/<archive-id>"; Open connects to the base server,
// issues CREATE DATABASE for the archive if it does not yet exist, then
// reconnects to the child database. The schema mirrors the MBTiles
// layout but stores rows in XYZ order directly, with no TMS inversion.
package pgtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
	"github.com/nervsystems/tileengine/pkg/tilemath"
)

const schema = `
CREATE TABLE IF NOT EXISTS tiles (
	z INTEGER NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	tile_data BYTEA NOT NULL,
	tile_hash TEXT,
	created_at TIMESTAMPTZ,
	PRIMARY KEY (z, x, y)
);
CREATE TABLE IF NOT EXISTS metadata (
	name TEXT PRIMARY KEY,
	value TEXT
);
`

// pqAlreadyExistsCodes are the Postgres error codes CREATE DATABASE
// returns when another engine races it into existence: duplicate_database
// (42P04) and, under some drivers' retry paths, unique_violation (23505)
// on the catalog insert.
var pqAlreadyExistsCodes = map[pq.ErrorCode]bool{
	"42P04": true,
	"23505": true,
}

// Store is a TileStore backed by one PostgreSQL database.
type Store struct {
	db        *sqlx.DB
	archiveID string
}

// Open connects to baseURI, ensures a database named archiveID exists,
// then returns a Store connected to that database.
func Open(ctx context.Context, baseURI, archiveID string) (*Store, error) {
	admin, err := sqlx.ConnectContext(ctx, "postgres", baseURI)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "pgtiles.Open", "connecting to base server", err)
	}

	if _, err := admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(archiveID))); err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || !pqAlreadyExistsCodes[pqErr.Code] {
			admin.Close()
			return nil, tileerrors.Wrap(tileerrors.Fatal, "pgtiles.Open", "creating archive database", err)
		}
	}
	admin.Close()

	childURI := fmt.Sprintf("%s/%s", strings.TrimRight(baseURI, "/"), archiveID)
	db, err := sqlx.ConnectContext(ctx, "postgres", childURI)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "pgtiles.Open", "connecting to archive database", err)
	}
	db.SetMaxOpenConns(30)
	db.SetMaxIdleConns(10)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, tileerrors.Wrap(tileerrors.Fatal, "pgtiles.Open", "creating schema", err)
	}

	return &Store{db: db, archiveID: archiveID}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetTile(ctx context.Context, z, x, y int) ([]byte, store.Headers, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE z = $1 AND x = $2 AND y = $3", z, x, y).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.Headers{}, tileerrors.New(tileerrors.NotFound, "pgtiles.GetTile", "tile not found")
	}
	if err != nil {
		return nil, store.Headers{}, tileerrors.Wrap(tileerrors.Transient, "pgtiles.GetTile", "querying tile", err)
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

	hash := store.TileMD5(data)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tiles (z, x, y, tile_data, tile_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (z, x, y) DO UPDATE SET
			tile_data = EXCLUDED.tile_data,
			tile_hash = EXCLUDED.tile_hash,
			created_at = EXCLUDED.created_at`,
		z, x, y, data, hash)
	if err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "pgtiles.PutTile", "upserting tile", err)
	}
	return nil
}

func (s *Store) DeleteTile(ctx context.Context, z, x, y int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tiles WHERE z = $1 AND x = $2 AND y = $3", z, x, y); err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "pgtiles.DeleteTile", "deleting tile", err)
	}
	return nil
}

func (s *Store) TileHash(ctx context.Context, z, x, y int) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT tile_hash FROM tiles WHERE z = $1 AND x = $2 AND y = $3", z, x, y).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tileerrors.New(tileerrors.NotFound, "pgtiles.TileHash", "tile not found")
	}
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "pgtiles.TileHash", "querying tile hash", err)
	}
	if !hash.Valid {
		return s.recomputeHash(ctx, z, x, y)
	}
	return hash.String, nil
}

func (s *Store) recomputeHash(ctx context.Context, z, x, y int) (string, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE z = $1 AND x = $2 AND y = $3", z, x, y).Scan(&data); err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "pgtiles.recomputeHash", "re-reading tile data", err)
	}
	hash := store.TileMD5(data)
	if _, err := s.db.ExecContext(ctx,
		"UPDATE tiles SET tile_hash = $1 WHERE z = $2 AND x = $3 AND y = $4", hash, z, x, y); err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "pgtiles.recomputeHash", "backfilling tile hash", err)
	}
	return hash, nil
}

func (s *Store) TileCreated(ctx context.Context, z, x, y int) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at FROM tiles WHERE z = $1 AND x = $2 AND y = $3", z, x, y).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, tileerrors.New(tileerrors.NotFound, "pgtiles.TileCreated", "tile not found")
	}
	if err != nil {
		return time.Time{}, tileerrors.Wrap(tileerrors.Transient, "pgtiles.TileCreated", "querying tile created_at", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time.UTC(), nil
}

func (s *Store) ExtraInfoForCoverage(ctx context.Context, plan coverage.Plan, mode store.ExtraInfoMode) (map[string]string, error) {
	out := make(map[string]string)
	col := "tile_hash"
	if mode == store.ModeCreated {
		col = "created_at"
	}

	for _, zr := range plan.ZoomRanges {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT x, y, %s FROM tiles WHERE z = $1 AND x BETWEEN $2 AND $3 AND y BETWEEN $4 AND $5`, col),
			zr.Zoom, zr.XMin, zr.XMax, zr.YMin, zr.YMax)
		if err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "pgtiles.ExtraInfoForCoverage", "querying coverage", err)
		}

		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var x, y int
				var val interface{}
				if err := rows.Scan(&x, &y, &val); err != nil {
					return err
				}
				switch v := val.(type) {
				case nil:
					continue
				case time.Time:
					out[store.TileKey(zr.Zoom, x, y)] = strconv.FormatInt(v.Unix(), 10)
				case string:
					out[store.TileKey(zr.Zoom, x, y)] = v
				}
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "pgtiles.ExtraInfoForCoverage", "scanning coverage rows", err)
		}
	}

	return out, nil
}

func (s *Store) GetMetadata(ctx context.Context) (store.Metadata, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "pgtiles.GetMetadata", "querying metadata", err)
	}
	defer rows.Close()

	meta := make(store.Metadata)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, tileerrors.Wrap(tileerrors.Transient, "pgtiles.GetMetadata", "scanning metadata row", err)
		}
		if value != "" {
			meta[name] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "pgtiles.GetMetadata", "iterating metadata", err)
	}

	observed, haveObserved, err := s.observedBounds(ctx)
	if err != nil {
		return nil, err
	}
	return store.ApplyDerivedDefaults(meta, observed, haveObserved), nil
}

func (s *Store) observedBounds(ctx context.Context) ([4]float64, bool, error) {
	var maxZoom sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT max(z) FROM tiles").Scan(&maxZoom); err != nil {
		return [4]float64{}, false, tileerrors.Wrap(tileerrors.Transient, "pgtiles.observedBounds", "querying zoom extent", err)
	}
	if !maxZoom.Valid {
		return [4]float64{}, false, nil
	}

	var xMin, xMax, yMin, yMax sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT min(x), max(x), min(y), max(y) FROM tiles WHERE z = $1", maxZoom.Int64).
		Scan(&xMin, &xMax, &yMin, &yMax); err != nil {
		return [4]float64{}, false, tileerrors.Wrap(tileerrors.Transient, "pgtiles.observedBounds", "querying tile extent", err)
	}
	if !xMin.Valid {
		return [4]float64{}, false, nil
	}

	z := int(maxZoom.Int64)
	bbox := tilemath.BBoxFromTileRange(int(xMin.Int64), int(yMin.Int64), int(xMax.Int64), int(yMax.Int64), z, tilemath.XYZ)
	return [4]float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat}, true, nil
}

func (s *Store) UpdateMetadata(ctx context.Context, updates store.Metadata) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "pgtiles.UpdateMetadata", "starting transaction", err)
	}
	defer tx.Rollback()

	for k, v := range updates {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO metadata (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value",
			k, v); err != nil {
			return tileerrors.Wrap(tileerrors.Fatal, "pgtiles.UpdateMetadata", fmt.Sprintf("writing metadata key %q", k), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return tileerrors.Wrap(tileerrors.Transient, "pgtiles.UpdateMetadata", "committing transaction", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM tiles").Scan(&n); err != nil {
		return 0, tileerrors.Wrap(tileerrors.Transient, "pgtiles.Count", "counting tiles", err)
	}
	return n, nil
}

// Size reports the archive database's on-disk size via pg_database_size,
// as spec section 4.5 names explicitly.
func (s *Store) Size(ctx context.Context) (int64, error) {
	var size int64
	if err := s.db.QueryRowContext(ctx, "SELECT pg_database_size($1)", s.archiveID).Scan(&size); err != nil {
		return 0, tileerrors.Wrap(tileerrors.Transient, "pgtiles.Size", "querying database size", err)
	}
	return size, nil
}
