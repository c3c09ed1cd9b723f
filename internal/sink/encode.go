package sink

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ponytojas/water-sensor-sim/internal/models"
)

// Format selects how a batch is rendered as a line of text.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format name, defaulting to JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Encode renders b as a single newline terminated line.
func Encode(f Format, b models.Batch) ([]byte, error) {
	if f == FormatCSV {
		return csvLine(csvRow(b))
	}
	line, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Header returns the CSV header line for b, or nil for formats without one.
func Header(f Format, b models.Batch) ([]byte, error) {
	if f != FormatCSV {
		return nil, nil
	}
	cols := []string{"TIMESTAMP", "RECORD", "Station"}
	for _, r := range b.Readings {
		cols = append(cols, r.SensorName)
	}
	return csvLine(cols)
}

func csvRow(b models.Batch) []string {
	row := []string{
		b.Timestamp.Format(time.RFC3339Nano),
		strconv.FormatInt(b.Record, 10),
		b.Station,
	}
	for _, r := range b.Readings {
		row = append(row, strconv.FormatFloat(r.Value, 'f', -1, 64))
	}
	return row
}

func csvLine(fields []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
