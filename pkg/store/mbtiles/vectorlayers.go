package mbtiles

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"sort"

	"github.com/paulmach/orb/encoding/mvt"

	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
)

// vectorLayerScanLimit bounds how many tile payloads deriveVectorLayers
// inspects before giving up; archives can hold millions of tiles and a
// handful is enough to discover the layer set a style actually uses.
const vectorLayerScanLimit = 200

// vectorLayerMeta mirrors the shape the MBTiles spec gives vector_layers
// entries: an "id" is the only field this derivation reports, since
// tracking a layer's field/geometry types isn't part of the spec's
// vector_layers contract.
type vectorLayerMeta struct {
	ID string `json:"id"`
}

// deriveVectorLayers scans up to vectorLayerScanLimit PBF tile payloads
// and returns the vector_layers metadata value (a JSON array of
// {"id": name} objects) built from every distinct layer name found, or
// "" if no layers were discovered.
func deriveVectorLayers(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "SELECT tile_data FROM tiles LIMIT ?", vectorLayerScanLimit)
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "mbtiles.deriveVectorLayers", "querying tile payloads", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return "", tileerrors.Wrap(tileerrors.Transient, "mbtiles.deriveVectorLayers", "scanning tile payload", err)
		}
		for _, name := range layerNames(data) {
			seen[name] = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "mbtiles.deriveVectorLayers", "iterating tile payloads", err)
	}

	if len(seen) == 0 {
		return "", nil
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	layers := make([]vectorLayerMeta, len(names))
	for i, name := range names {
		layers[i] = vectorLayerMeta{ID: name}
	}

	encoded, err := json.Marshal(layers)
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Fatal, "mbtiles.deriveVectorLayers", "encoding vector_layers", err)
	}
	return string(encoded), nil
}

// layerNames extracts every top-level vector tile Layer.name from a PBF
// payload, decompressing a gzip/deflate wrapper first if one is present,
// via orb/encoding/mvt's protobuf decoder. A payload that doesn't parse
// as MVT (e.g. a raster tile sniffed as PBF by mistake) yields no names
// rather than an error - vector_layers derivation is best-effort.
func layerNames(data []byte) []string {
	_, encoding := tileformat.Sniff(data)
	switch encoding {
	case tileformat.EncodingGzip:
		if r, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
			if plain, err := io.ReadAll(r); err == nil {
				data = plain
			}
		}
	case tileformat.EncodingDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		if plain, err := io.ReadAll(r); err == nil {
			data = plain
		}
	}

	layers, err := mvt.Unmarshal(data)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(layers))
	for _, layer := range layers {
		names = append(names, layer.Name)
	}
	return names
}
