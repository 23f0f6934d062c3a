// Package recorder exports instance telemetry history in the tab-separated layout consumed
// by the offline trajectory analysis scripts.
package recorder

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/interspecies/probed/pkg/types"
)

var headerAliases = map[string]string{
	"x": "position_x",
	"y": "position_y",
}

// Columns returns the sorted union of record keys with x and y moved to the front.
func Columns(records []types.TelemetryRecord) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec.Fields {
			seen[k] = struct{}{}
		}
	}
	var lead, rest []string
	for _, k := range []string{"x", "y"} {
		if _, ok := seen[k]; ok {
			lead = append(lead, k)
			delete(seen, k)
		}
	}
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(lead, rest...)
}

// WriteTSV writes one row per record: the elapsed index followed by the requested columns.
// Missing values are left empty. A nil columns slice selects Columns(records).
func WriteTSV(w io.Writer, records []types.TelemetryRecord, columns []string) error {
	if columns == nil {
		columns = Columns(records)
	}
	tw := csv.NewWriter(w)
	tw.Comma = '\t'

	header := make([]string, 0, len(columns)+1)
	header = append(header, "time")
	for _, c := range columns {
		if alias, ok := headerAliases[c]; ok {
			c = alias
		}
		header = append(header, c)
	}
	if err := tw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(columns)+1)
	for _, rec := range records {
		row[0] = strconv.FormatInt(rec.Index, 10)
		for i, c := range columns {
			row[i+1], _ = rec.Get(c)
		}
		if err := tw.Write(row); err != nil {
			return err
		}
	}
	tw.Flush()
	return tw.Error()
}
