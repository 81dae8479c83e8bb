package ml

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cvalentine99/honeyclass/internal/models"
)

// DataSource yields historical attack records for training.
type DataSource interface {
	Records(ctx context.Context) ([]models.AttackRecord, error)
}

// Records is an in-memory table of attack records.
type Records []models.AttackRecord

// Records returns a copy of the table.
func (r Records) Records(context.Context) ([]models.AttackRecord, error) {
	return append([]models.AttackRecord(nil), r...), nil
}

// FileSource reads records from a .csv file with a header row or a .json
// array of objects. Column names follow the record's JSON field names;
// unknown columns are ignored.
type FileSource struct {
	Path string
}

// Records reads and parses the file.
func (f FileSource) Records(ctx context.Context) ([]models.AttackRecord, error) {
	ext := strings.ToLower(filepath.Ext(f.Path))
	if ext != ".csv" && ext != ".json" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	if ext == ".csv" {
		return readCSVRecords(ctx, file)
	}
	return readJSONRecords(file)
}

func readCSVRecords(ctx context.Context, r io.Reader) ([]models.AttackRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv: %w", ErrEmptyDataset)
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var out []models.AttackRecord
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = row[i]
			}
		}
		rec, err := recordFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func readJSONRecords(r io.Reader) ([]models.AttackRecord, error) {
	var rows []map[string]any
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	out := make([]models.AttackRecord, 0, len(rows))
	for i, row := range rows {
		fields := make(map[string]string, len(row))
		for k, v := range row {
			switch x := v.(type) {
			case nil:
			case string:
				fields[k] = x
			case float64:
				fields[k] = strconv.FormatFloat(x, 'f', -1, 64)
			default:
				fields[k] = fmt.Sprint(x)
			}
		}
		rec, err := recordFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("json row %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// timestampLayouts are tried in order when parsing record timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(secs * 1000)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// parseOptionalInt accepts "", "NaN", integers and integral floats ("22.0").
func parseOptionalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func optionalText(s string) string {
	if strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return ""
	}
	return s
}

func recordFromFields(f map[string]string) (models.AttackRecord, error) {
	var rec models.AttackRecord
	var err error

	if ts := strings.TrimSpace(f["timestamp"]); ts != "" {
		if rec.Timestamp, err = parseTimestamp(ts); err != nil {
			return rec, err
		}
	}
	ints := []struct {
		col string
		dst *int
	}{
		{"source_port", &rec.SourcePort},
		{"destination_port", &rec.DestinationPort},
		{"severity", &rec.Severity},
		{"body_size", &rec.BodySize},
	}
	for _, c := range ints {
		if *c.dst, err = parseOptionalInt(f[c.col]); err != nil {
			return rec, fmt.Errorf("%s: %w", c.col, err)
		}
	}

	rec.SourceIP = optionalText(f["source_ip"])
	rec.ServiceType = optionalText(f["service_type"])
	rec.Command = optionalText(f["command"])
	rec.Path = optionalText(f["path"])
	rec.QueryString = optionalText(f["query_string"])
	rec.Body = optionalText(f["body"])
	rec.UserAgent = optionalText(f["user_agent"])
	rec.AttackType = optionalText(f["attack_type"])
	return rec, nil
}
