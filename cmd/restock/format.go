package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Veraticus/restock/internal/cli"
)

const dateLayout = "2006-01-02"

// parseDate accepts YYYY-MM-DD, interpreted as UTC midnight.
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(dateLayout)
}

func formatQuantity(v float64, unit string) string {
	if v == 0 {
		return "-"
	}
	return strings.TrimSpace(strconv.FormatFloat(v, 'f', -1, 64) + " " + unit)
}

// table writes tab-separated rows under a styled header.
type table struct {
	w *tabwriter.Writer
}

func newTable(out io.Writer, headers ...string) (*table, error) {
	t := &table{w: tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)}

	styled := make([]string, len(headers))
	rules := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = cli.BoldStyle.Render(h)
		rules[i] = strings.Repeat("─", len(h))
	}
	if err := t.row(styled...); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := t.row(rules...); err != nil {
		return nil, fmt.Errorf("failed to write separator: %w", err)
	}
	return t, nil
}

func (t *table) row(cells ...string) error {
	_, err := fmt.Fprintln(t.w, strings.Join(cells, "\t"))
	return err
}

func (t *table) flush() error {
	return t.w.Flush()
}
