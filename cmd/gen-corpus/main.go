// gen-corpus writes a deterministic synthetic calibration fixture: paired
// reference/distorted PNG folders plus an official results CSV scored with
// the meandiff smoke metric. Useful for local end-to-end runs of calibra
// without the published image corpus.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/iqakit/calibra/internal/demometric"
	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/imageio"
	"github.com/iqakit/calibra/internal/logger"
	"github.com/iqakit/calibra/internal/registry"
	"github.com/iqakit/calibra/internal/results"
)

var (
	outDir = flag.String("out", "testdata/corpus", "Output directory (ref_dir, dist_dir, results.csv)")
	count  = flag.Int("n", 4, "Number of image pairs")
	size   = flag.Int("size", 64, "Image side length in pixels")
	seed   = flag.Int64("seed", 42, "Random seed")
)

func writeImage(path string, side int, rng *rand.Rand, noise float64) error {
	img := image.NewNRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			base := float64(x+y) / float64(2*side)
			v := base + noise*rng.NormFloat64()
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			c := uint8(v * 255)
			img.SetNRGBA(x, y, color.NRGBA{R: c, G: c, B: c, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func run() error {
	refDir := filepath.Join(*outDir, "ref_dir")
	distDir := filepath.Join(*outDir, "dist_dir")
	for _, d := range []string{refDir, distDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(*seed))
	for i := 0; i < *count; i++ {
		name := fmt.Sprintf("img_%02d.png", i+1)
		if err := writeImage(filepath.Join(refDir, name), *size, rng, 0); err != nil {
			return err
		}
		// Distortion strength grows across the corpus so scores spread out.
		noise := 0.02 * float64(i+1)
		if err := writeImage(filepath.Join(distDir, name), *size, rng, noise); err != nil {
			return err
		}
	}

	ref, dist, err := imageio.ReadPair(refDir, distDir)
	if err != nil {
		return err
	}

	r := registry.New()
	if err := demometric.Register(r); err != nil {
		return err
	}
	m, err := r.CreateMetric(demometric.Name, device.CPU, false)
	if err != nil {
		return err
	}
	res, err := m.Score(context.Background(), dist, ref)
	if err != nil {
		return err
	}

	table, err := results.FromMap(map[string][]float64{
		demometric.Name: res.Primary().Float64s(),
	})
	if err != nil {
		return err
	}
	csvPath := filepath.Join(*outDir, "results.csv")
	if err := table.WriteCSV(csvPath); err != nil {
		return err
	}

	logger.Log.Info("corpus written",
		"ref_dir", refDir, "dist_dir", distDir, "results", csvPath, "pairs", *count)
	return nil
}

func main() {
	flag.Parse()
	if *count <= 0 || *size <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -n and -size must be positive")
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		logger.Log.Error("corpus generation failed", "err", err.Error())
		os.Exit(1)
	}
}
