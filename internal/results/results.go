package results

import (
	"fmt"
	"os"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Table is the official result table: one trusted score vector per metric
// name, one score per corpus image. Immutable once loaded.
type Table struct {
	scores map[string][]float64
	names  []string
}

// Load reads a calibration CSV. The first row is a header and is skipped;
// every following row is [metric name, score_1, ..., score_n]. Column types
// are inferred, so integer-looking score columns are accepted too.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("results: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewInferringReader(f,
		csv.WithHeader(true),
		csv.WithChunk(-1),
	)
	defer r.Release()

	t := &Table{scores: make(map[string][]float64)}
	for r.Next() {
		rec := r.Record()
		if err := t.appendRecord(rec, path); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("results: parse %s: %w", path, err)
	}
	if len(t.scores) == 0 {
		return nil, fmt.Errorf("results: %s has no data rows", path)
	}
	sort.Strings(t.names)
	return t, nil
}

func (t *Table) appendRecord(rec arrow.Record, path string) error {
	if rec.NumCols() < 2 {
		return fmt.Errorf("results: %s needs a name column and at least one score column, got %d columns",
			path, rec.NumCols())
	}
	nameCol, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("results: %s first column must be metric names, got %s",
			path, rec.Column(0).DataType())
	}

	nScores := int(rec.NumCols()) - 1
	for row := 0; row < int(rec.NumRows()); row++ {
		name := nameCol.Value(row)
		if name == "" {
			return fmt.Errorf("results: %s row %d has an empty metric name", path, row)
		}
		if _, dup := t.scores[name]; dup {
			return fmt.Errorf("results: %s has duplicate metric %q", path, name)
		}
		vec := make([]float64, nScores)
		for col := 0; col < nScores; col++ {
			v, err := floatAt(rec.Column(col+1), row)
			if err != nil {
				return fmt.Errorf("results: %s metric %q column %d: %w", path, name, col+1, err)
			}
			vec[col] = v
		}
		t.scores[name] = vec
		t.names = append(t.names, name)
	}
	return nil
}

func floatAt(col arrow.Array, row int) (float64, error) {
	if col.IsNull(row) {
		return 0, fmt.Errorf("null score")
	}
	switch a := col.(type) {
	case *array.Float64:
		return a.Value(row), nil
	case *array.Float32:
		return float64(a.Value(row)), nil
	case *array.Int64:
		return float64(a.Value(row)), nil
	case *array.Int32:
		return float64(a.Value(row)), nil
	}
	return 0, fmt.Errorf("unsupported score type %s", col.DataType())
}

// FromMap builds a table from already-computed vectors. Every vector must
// have the same length. Used by corpus generators and tests; file-backed
// tables come from Load.
func FromMap(scores map[string][]float64) (*Table, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("results: empty score map")
	}
	t := &Table{scores: make(map[string][]float64, len(scores))}
	n := -1
	for name, vec := range scores {
		if name == "" {
			return nil, fmt.Errorf("results: empty metric name")
		}
		if n == -1 {
			n = len(vec)
		} else if len(vec) != n {
			return nil, fmt.Errorf("results: metric %q has %d scores, want %d", name, len(vec), n)
		}
		cp := make([]float64, len(vec))
		copy(cp, vec)
		t.scores[name] = cp
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

// WriteCSV writes the table in the calibration layout: header row, then one
// row of [metric name, scores...] per metric.
func (t *Table) WriteCSV(path string) error {
	n := t.CorpusLen()
	fields := make([]arrow.Field, 0, n+1)
	fields = append(fields, arrow.Field{Name: "metric", Type: arrow.BinaryTypes.String})
	for i := 0; i < n; i++ {
		fields = append(fields, arrow.Field{
			Name: fmt.Sprintf("img_%02d", i+1),
			Type: arrow.PrimitiveTypes.Float64,
		})
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for _, name := range t.names {
		b.Field(0).(*array.StringBuilder).Append(name)
		for i, v := range t.scores[name] {
			b.Field(i + 1).(*array.Float64Builder).Append(v)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("results: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f, schema, csv.WithHeader(true))
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("results: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("results: flush %s: %w", path, err)
	}
	return nil
}

// Names returns the metric names in sorted order.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Scores returns the official vector for a metric.
func (t *Table) Scores(name string) ([]float64, bool) {
	v, ok := t.scores[name]
	return v, ok
}

// Len is the number of metrics in the table.
func (t *Table) Len() int {
	return len(t.scores)
}

// CorpusLen is the number of scores per metric (corpus size), 0 when empty.
func (t *Table) CorpusLen() int {
	for _, v := range t.scores {
		return len(v)
	}
	return 0
}
