package imageio

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/iqakit/calibra/internal/tensor"
)

// Decode reads a PNG or JPEG file into a CHW float32 tensor with values
// in [0, 1].
func Decode(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode %s: %w", path, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("imageio: empty image %s", path)
	}

	t, err := tensor.New(3, h, w)
	if err != nil {
		return nil, err
	}
	data := t.Data()
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*w + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}
	return t, nil
}

// ReadFolder decodes every file in dir in lexicographic filename order and
// stacks the results into an (N, C, H, W) batch. Mixed image dimensions are
// an error, never silently resized.
func ReadFolder(dir string) (*tensor.Tensor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("imageio: read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("imageio: no images in %s", dir)
	}

	imgs := make([]*tensor.Tensor, 0, len(names))
	for _, name := range names {
		img, err := Decode(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}

	batch, err := tensor.Stack(imgs)
	if err != nil {
		return nil, fmt.Errorf("imageio: stack %s: %w", dir, err)
	}
	return batch, nil
}

// ReadPair loads the reference and distorted corpora. Files are paired
// positionally by sorted name, so mismatched folder lengths are a hard
// fixture error rather than a truncation.
func ReadPair(refDir, distDir string) (ref, dist *tensor.Tensor, err error) {
	ref, err = ReadFolder(refDir)
	if err != nil {
		return nil, nil, err
	}
	dist, err = ReadFolder(distDir)
	if err != nil {
		return nil, nil, err
	}
	if ref.Dims()[0] != dist.Dims()[0] {
		return nil, nil, fmt.Errorf("imageio: corpus length mismatch: %s has %d images, %s has %d",
			refDir, ref.Dims()[0], distDir, dist.Dims()[0])
	}
	return ref, dist, nil
}
