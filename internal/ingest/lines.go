package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

// Line is one decoded input line. Err is set when the line itself could not
// be read; the rest of the job still proceeds.
type Line struct {
	Extracted  *model.ExtractedFields
	RawText    string
	Err        string
	Confidence float64
	Number     int
}

// lineRecord is the JSONL shape emitted by the upstream extractor.
type lineRecord struct {
	Extracted  *model.ExtractedFields `json:"extracted"`
	Confidence *float64               `json:"confidence"`
	RawText    string                 `json:"raw_text"`
}

var csvColumns = map[string]bool{
	"raw_text": true, "name": true, "brand": true, "category": true,
	"quantity": true, "unit": true, "package_size": true, "package_unit": true,
	"price": true, "purchase_date": true, "vendor": true, "item_id": true,
	"confidence": true,
}

// DecodeLines splits a payload into lines. An error means the payload as a
// whole is unusable and wraps common.ErrUnparseableInput.
func DecodeLines(format model.InputFormat, payload []byte) ([]Line, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", common.ErrUnparseableInput)
	}

	var (
		lines []Line
		err   error
	)
	switch format {
	case model.FormatCSV:
		lines, err = decodeCSV(payload)
	case model.FormatJSONL:
		lines, err = decodeJSONL(payload)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", common.ErrUnparseableInput, format)
	}
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", common.ErrUnparseableInput)
	}
	return lines, nil
}

func decodeCSV(payload []byte) ([]Line, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", common.ErrUnparseableInput, err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if csvColumns[name] {
			cols[name] = i
		}
	}
	_, hasRaw := cols["raw_text"]
	_, hasName := cols["name"]
	if !hasRaw && !hasName {
		return nil, fmt.Errorf("%w: header needs a raw_text or name column", common.ErrUnparseableInput)
	}

	var lines []Line
	for n := 1; ; n++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			// The reader has consumed the broken record; later records are
			// still readable.
			lines = append(lines, Line{Number: n, Err: fmt.Sprintf("unreadable record: %v", perr.Err)})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrUnparseableInput, err)
		}

		get := func(col string) string {
			if i, ok := cols[col]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}
		lines = append(lines, csvLine(n, get))
	}
	return lines, nil
}

func csvLine(n int, get func(string) string) Line {
	line := Line{Number: n, RawText: get("raw_text"), Confidence: 1}
	ex := &model.ExtractedFields{
		Name:         get("name"),
		Brand:        get("brand"),
		Category:     get("category"),
		Unit:         get("unit"),
		PackageUnit:  get("package_unit"),
		Vendor:       get("vendor"),
		TargetItemID: get("item_id"),
	}

	var errs []string
	parseFloat := func(col string, dst *float64) {
		v := get(col)
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimPrefix(v, "$"), 64)
		if err != nil || !finite(f) || f < 0 {
			errs = append(errs, fmt.Sprintf("%s %q is not a non-negative number", col, v))
			return
		}
		*dst = f
	}
	parseFloat("quantity", &ex.Quantity)
	parseFloat("package_size", &ex.PackageSize)
	parseFloat("price", &ex.Price)

	if v := get("purchase_date"); v != "" {
		d, err := parseDate(v)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			ex.PurchaseDate = &d
		}
	}

	if v := get("confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || !validConfidence(c) {
			errs = append(errs, fmt.Sprintf("confidence %q is not between 0 and 1", v))
			c = 0
		}
		line.Confidence = c
	}

	if line.RawText == "" && ex.Name == "" {
		errs = append(errs, "line has neither raw_text nor name")
	}
	if *ex != (model.ExtractedFields{}) {
		line.Extracted = ex
	}
	if len(errs) > 0 {
		line.Err = strings.Join(errs, "; ")
		line.Confidence = 0
	}
	return line
}

func decodeJSONL(payload []byte) ([]Line, error) {
	var lines []Line
	n := 0
	for _, raw := range bytes.Split(payload, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		n++

		var rec lineRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			lines = append(lines, Line{Number: n, RawText: string(raw), Err: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}

		line := Line{Number: n, RawText: strings.TrimSpace(rec.RawText), Extracted: rec.Extracted}
		if rec.Confidence != nil {
			line.Confidence = *rec.Confidence
		}
		if !validConfidence(line.Confidence) {
			line.Err = fmt.Sprintf("confidence %v is not between 0 and 1", line.Confidence)
			line.Confidence = 0
		}
		if ex := rec.Extracted; ex != nil && line.Err == "" {
			for _, f := range []float64{ex.Quantity, ex.PackageSize, ex.Price} {
				if !finite(f) || f < 0 {
					line.Err = fmt.Sprintf("extracted number %v is not a non-negative number", f)
					break
				}
			}
		}
		if line.RawText == "" && (rec.Extracted == nil || strings.TrimSpace(rec.Extracted.Name) == "") {
			line.Err = "record has neither raw_text nor a name"
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func validConfidence(c float64) bool {
	return finite(c) && c >= 0 && c <= 1
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "01/02/2006"} {
		if d, err := time.Parse(layout, v); err == nil {
			return d.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("purchase_date %q is not a date", v)
}
