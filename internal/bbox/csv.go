package bbox

import (
	"encoding/csv"
	"fmt"
	"io"
)

// csvHeader names the columns of every Bbox CSV output the aggregator
// writes (track.csv, dnn.csv, assoc.csv, stationary.csv): the Bbox
// record with absent optional fields rendered as empty cells.
var csvHeader = []string{
	"left", "top", "width", "height", "area",
	"track_id", "timestamp", "class_id", "confidence",
}

// CSVWriter wraps csv.Writer for one Bbox output file.
type CSVWriter struct {
	w *csv.Writer
}

// NewCSVWriter creates a CSVWriter over w and writes the header row.
func NewCSVWriter(w io.Writer) *CSVWriter {
	cw := &CSVWriter{w: csv.NewWriter(w)}
	cw.w.Write(csvHeader)
	return cw
}

// WriteRow writes one Bbox as a CSV row.
func (c *CSVWriter) WriteRow(b Bbox) error {
	row := []string{
		fmt.Sprintf("%g", b.Left),
		fmt.Sprintf("%g", b.Top),
		fmt.Sprintf("%g", b.Width),
		fmt.Sprintf("%g", b.Height),
		fmt.Sprintf("%g", b.Area),
		optionalUint64Cell(b.TrackID),
		optionalUint64Cell(b.Timestamp),
		optionalUint32Cell(b.ClassID),
		optionalFloat32Cell(b.Confidence),
	}
	return c.w.Write(row)
}

// Flush flushes buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

func optionalUint64Cell(v *uint64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

func optionalUint32Cell(v *uint32) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

func optionalFloat32Cell(v *float32) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g", *v)
}
