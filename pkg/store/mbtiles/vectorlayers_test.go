package mbtiles

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
)

// encodeTile builds a real MVT payload containing one layer per name, each
// holding a single throwaway point feature (an empty layer round-trips to
// nothing useful for these tests).
func encodeTile(t *testing.T, names ...string) []byte {
	t.Helper()
	layers := make(mvt.Layers, len(names))
	for i, name := range names {
		fc := geojson.NewFeatureCollection()
		fc.Append(geojson.NewFeature(orb.Point{0, 0}))
		layers[i] = mvt.NewLayer(name, fc)
		layers[i].ProjectToTile(maptile.New(0, 0, 0))
	}

	data, err := mvt.Marshal(layers)
	if err != nil {
		t.Fatalf("mvt.Marshal: %v", err)
	}
	return data
}

func TestLayerNamesExtractsAllLayers(t *testing.T) {
	tile := encodeTile(t, "water", "roads", "buildings")

	got := layerNames(tile)
	want := map[string]bool{"water": true, "roads": true, "buildings": true}
	if len(got) != len(want) {
		t.Fatalf("layerNames returned %v, want 3 layers", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected layer name %q", name)
		}
	}
}

func TestLayerNamesDecompressesGzippedPayload(t *testing.T) {
	tile := encodeTile(t, "water")

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(tile); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	got := layerNames(gz.Bytes())
	if len(got) != 1 || got[0] != "water" {
		t.Fatalf("layerNames(gzipped) = %v, want [water]", got)
	}
}

func TestLayerNamesReturnsNilOnGarbage(t *testing.T) {
	got := layerNames([]byte{0xFF, 0xFF, 0xFF})
	if len(got) != 0 {
		t.Errorf("layerNames(garbage) = %v, want none", got)
	}
}

func TestLayerNamesReturnsNilOnEmptyInput(t *testing.T) {
	got := layerNames(nil)
	if len(got) != 0 {
		t.Errorf("layerNames(nil) = %v, want none", got)
	}
}
