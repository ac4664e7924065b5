// Package profiler supplies the metacache.Profiler this process wires at
// startup. Full Parquet/Arrow/CSV parsing is an explicit non-goal (§1):
// atoms and the blob store are the components that actually produce and
// consume those formats. This profiler only sniffs a CSV header and row
// count well enough to populate the planning prompt's column metadata —
// anything richer belongs in the atom layer, not here. Built on
// encoding/csv rather than a third-party parser since the scope is
// deliberately this thin; see DESIGN.md.
package profiler

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/basegraph-relay/reactor/internal/metacache"
)

// SniffCSV is a metacache.Profiler that reads a CSV payload's header row
// and counts the remaining rows. It does not infer dtypes or stats beyond
// row count — those require the kind of real dataframe engine the atom
// layer owns.
func SniffCSV(data []byte) (metacache.Profile, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return metacache.Profile{}, nil
		}
		return metacache.Profile{}, fmt.Errorf("read csv header: %w", err)
	}

	rows := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return metacache.Profile{}, fmt.Errorf("read csv row %d: %w", rows, err)
		}
		rows++
	}

	return metacache.Profile{
		Columns:  header,
		RowCount: rows,
		DTypes:   map[string]string{},
		Stats:    map[string]any{},
	}, nil
}
