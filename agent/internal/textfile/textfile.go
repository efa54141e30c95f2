package textfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Write gathers g and writes the families matching prefix to path in text
// exposition format. An empty prefix keeps every family. The file is
// replaced atomically so a collector never reads a half-written file.
func Write(path string, g prometheus.Gatherer, prefix string) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("textfile: gather: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("textfile: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".textfile-*")
	if err != nil {
		return fmt.Errorf("textfile: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := encode(tmp, mfs, prefix); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("textfile: close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("textfile: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("textfile: rename: %w", err)
	}
	return nil
}

func encode(w io.Writer, mfs []*dto.MetricFamily, prefix string) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if prefix != "" && !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("textfile: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Read parses the text exposition file at path into metric families.
func Read(path string) (map[string]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("textfile: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a Prometheus text exposition from r. A partial result with
// a non-fatal parse warning is still returned successfully.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("textfile: parse: %w", err)
	}
	return mfs, nil
}

// Sum adds up all counter, gauge, or untyped values in a family. Histogram
// families contribute their sample count. Returns 0 if mf is nil.
func Sum(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		case m.Histogram != nil:
			total += float64(m.Histogram.GetSampleCount())
		}
	}
	return total
}

// Totals sums every family, keyed by name, in name order.
func Totals(mfs map[string]*dto.MetricFamily) []Total {
	out := make([]Total, 0, len(mfs))
	for name, mf := range mfs {
		out = append(out, Total{Name: name, Value: Sum(mf)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Total is one summed metric family.
type Total struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}
