package results

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeCSV(t, `metric,I03,I04,I06
psnr,34.5,28.1,30.2
ssim,0.91,0.85,0.88
niqe,4.2,5.1,3.9
`)
	table, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, 3, table.CorpusLen())
	assert.Equal(t, []string{"niqe", "psnr", "ssim"}, table.Names())

	psnr, ok := table.Scores("psnr")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{34.5, 28.1, 30.2}, psnr, 1e-9)

	_, ok = table.Scores("lpips")
	assert.False(t, ok)
}

func TestLoadHeaderSkipped(t *testing.T) {
	// The header row must not become a metric.
	path := writeCSV(t, `metric,a,b
psnr,1.0,2.0
`)
	table, err := Load(path)
	require.NoError(t, err)
	_, ok := table.Scores("metric")
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())
}

func TestLoadIntegerScores(t *testing.T) {
	// Whole-number columns may infer as integers; they are still scores.
	path := writeCSV(t, `metric,a,b
brisque,18,22
`)
	table, err := Load(path)
	require.NoError(t, err)
	v, ok := table.Scores("brisque")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{18, 22}, v, 1e-9)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
}

func TestLoadHeaderOnly(t *testing.T) {
	path := writeCSV(t, "metric,a,b\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDuplicateMetric(t *testing.T) {
	path := writeCSV(t, `metric,a
psnr,1.0
psnr,2.0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestFromMap(t *testing.T) {
	table, err := FromMap(map[string][]float64{
		"psnr": {34.5, 28.1},
		"ssim": {0.91, 0.85},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"psnr", "ssim"}, table.Names())
	assert.Equal(t, 2, table.CorpusLen())

	_, err = FromMap(map[string][]float64{"a": {1, 2}, "b": {1}})
	assert.Error(t, err)
	_, err = FromMap(nil)
	assert.Error(t, err)
}

func TestWriteCSVRoundTrip(t *testing.T) {
	src, err := FromMap(map[string][]float64{
		"psnr": {34.5, 28.1, 30.2},
		"niqe": {4.25, 5.5, 3.0},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, src.WriteCSV(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, src.Names(), back.Names())
	for _, name := range src.Names() {
		want, _ := src.Scores(name)
		got, ok := back.Scores(name)
		require.True(t, ok)
		assert.InDeltaSlice(t, want, got, 1e-9)
	}
}

func TestLoadRaggedRows(t *testing.T) {
	path := writeCSV(t, `metric,a,b
psnr,1.0,2.0
ssim,0.9
`)
	_, err := Load(path)
	require.Error(t, err)
}
