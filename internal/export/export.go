// Package export writes queried sequence data to flat files for external
// analysis tools.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/rahul/seqlab/internal/store"
)

// ToCSV writes one row per point. Columns are timestamp, point_name, one
// `param_<name>` column per point parameter and one `<plugin>_<field>` column
// per persisted value, derived from the first point and sorted for a stable
// layout.
func ToCSV(points []store.PointData, path string) error {
	if len(points) == 0 {
		return fmt.Errorf("no data to export")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	first := points[0]
	paramNames := sortedKeys(first.Parameters)

	type column struct{ plugin, field string }
	var columns []column
	for _, plugin := range sortedKeys(first.Values) {
		for _, field := range sortedKeys(first.Values[plugin]) {
			columns = append(columns, column{plugin, field})
		}
	}

	header := []string{"timestamp", "point_name"}
	for _, p := range paramNames {
		header = append(header, "param_"+p)
	}
	for _, c := range columns {
		header = append(header, c.plugin+"_"+c.field)
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, pt := range points {
		row := []string{pt.Timestamp, pt.PointName}
		for _, p := range paramNames {
			row = append(row, formatFloat(pt.Parameters[p]))
		}
		for _, c := range columns {
			if fv, ok := pt.Values[c.plugin][c.field]; ok {
				row = append(row, formatFloat(fv.Value))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	return nil
}

// ToJSON writes any data structure as a JSON file.
func ToJSON(data any, path string, pretty bool) error {
	var (
		out []byte
		err error
	)
	if pretty {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		return fmt.Errorf("serialize export: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
