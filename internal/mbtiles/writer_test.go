package mbtiles

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cell.mbtiles")
	w, err := New(path, Metadata{
		Name:    "US5NYCM",
		Format:  "pbf",
		MinZoom: 0,
		MaxZoom: 14,
		Bounds:  [4]float64{-74.1, 40.5, -73.8, 40.8},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, path
}

func TestWriterRoundTrip(t *testing.T) {
	w, path := newTestWriter(t)

	payload := []byte("vector tile payload")
	if err := w.WriteTile(13, 2414, 3078, payload); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path, 0)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	got, err := r.ReadTile(13, 2414, 3078)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadTile = %q, want %q", got, payload)
	}

	meta, err := r.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Name != "US5NYCM" || meta.Format != "pbf" || meta.MaxZoom != 14 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestWriterBatchFlushOnClose(t *testing.T) {
	w, path := newTestWriter(t)

	// More tiles than one batch so the automatic flush fires too.
	for i := 0; i < DefaultBatchSize+50; i++ {
		if err := w.WriteTile(13, i, 100, []byte("payload")); err != nil {
			t.Fatalf("WriteTile %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path, 0)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	for _, x := range []int{0, DefaultBatchSize - 1, DefaultBatchSize + 49} {
		if _, err := r.ReadTile(13, x, 100); err != nil {
			t.Errorf("ReadTile 13/%d/100: %v", x, err)
		}
	}
}

func TestWriterReplacesExistingTile(t *testing.T) {
	w, path := newTestWriter(t)

	if err := w.WriteTile(10, 301, 384, []byte("first")); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.WriteTile(10, 301, 384, []byte("second")); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path, 0)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	got, err := r.ReadTile(10, 301, 384)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("ReadTile = %q, want %q", got, "second")
	}
}
