package fixtures

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/iqakit/calibra/internal/config"
)

func writePNG(t *testing.T, path string, v uint8) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func testConfig(t *testing.T, nRef, nDist int) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RefDir = t.TempDir()
	cfg.DistDir = t.TempDir()
	cfg.ResultsPath = filepath.Join(t.TempDir(), "results.csv")
	cfg.Device = "cpu"

	for i := 0; i < nRef; i++ {
		writePNG(t, filepath.Join(cfg.RefDir, string(rune('a'+i))+".png"), uint8(200+i))
	}
	for i := 0; i < nDist; i++ {
		writePNG(t, filepath.Join(cfg.DistDir, string(rune('a'+i))+".png"), uint8(50+i))
	}
	os.WriteFile(cfg.ResultsPath, []byte("metric,a,b\npsnr,34.5,28.1\n"), 0o644)
	return cfg
}

func TestSessionLazyLoadAndCache(t *testing.T) {
	s, err := NewSession(testConfig(t, 2, 2))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Teardown()

	dist, ref, err := s.Corpus()
	if err != nil {
		t.Fatalf("Corpus failed: %v", err)
	}
	if dist.Dims()[0] != 2 || ref.Dims()[0] != 2 {
		t.Errorf("batch sizes: got %d/%d, want 2/2", dist.Dims()[0], ref.Dims()[0])
	}

	// Second call returns the cached tensors.
	dist2, ref2, err := s.Corpus()
	if err != nil {
		t.Fatalf("second Corpus failed: %v", err)
	}
	if dist2 != dist || ref2 != ref {
		t.Error("corpus fixtures must be cached for the session")
	}

	table, err := s.Results()
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if table.Len() != 1 {
		t.Errorf("table len: got %d, want 1", table.Len())
	}
}

func TestSessionMismatchedCorpusFailsFast(t *testing.T) {
	s, err := NewSession(testConfig(t, 2, 1))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Teardown()

	_, _, err = s.Corpus()
	if err == nil {
		t.Fatal("mismatched corpus must be a fixture error")
	}
	// Error is cached for every dependent caller.
	_, _, err2 := s.Corpus()
	if err2 == nil || err2.Error() != err.Error() {
		t.Errorf("cached fixture error mismatch: %v vs %v", err, err2)
	}
}

func TestSessionInvalidConfigRejected(t *testing.T) {
	cfg := config.Default()
	cfg.RefDir = ""
	if _, err := NewSession(cfg); err == nil {
		t.Error("expected config validation error")
	}
}

func TestTeardownAllowsReload(t *testing.T) {
	s, err := NewSession(testConfig(t, 1, 1))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if _, _, err := s.Corpus(); err != nil {
		t.Fatalf("Corpus failed: %v", err)
	}
	s.Teardown()
	dist, _, err := s.Corpus()
	if err != nil {
		t.Fatalf("Corpus after Teardown failed: %v", err)
	}
	if dist == nil || dist.Data() == nil {
		t.Error("expected reloaded corpus after Teardown")
	}
}

func TestSessionDevice(t *testing.T) {
	s, err := NewSession(testConfig(t, 1, 1))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Teardown()
	dev, err := s.Device()
	if err != nil {
		t.Fatalf("Device failed: %v", err)
	}
	if dev != "cpu" {
		t.Errorf("device: got %s, want cpu", dev)
	}
}
