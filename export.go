package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

const datePlaceholder = "{date}"

// BuildCSVExport renders one history entry as a single-row CSV with sorted columns.
func BuildCSVExport(entry HistoryEntry, filenameTemplate string, headers bool) (Export, error) {
	columns := lo.Keys(entry.Fields)
	slices.Sort(columns)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if headers {
		if err := w.Write(columns); err != nil {
			return Export{}, fmt.Errorf("write csv header: %w", err)
		}
	}
	row := lo.Map(columns, func(c string, _ int) string { return entry.Fields[c] })
	if err := w.Write(row); err != nil {
		return Export{}, fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Export{}, fmt.Errorf("flush csv: %w", err)
	}

	return Export{
		Filename:    ExportFilename(filenameTemplate, entry),
		ContentType: "text/csv",
		Content:     buf.String(),
	}, nil
}

// ExportFilename fills the date placeholder with the entry's extraction day.
func ExportFilename(template string, entry HistoryEntry) string {
	if template == "" {
		template = "extraction-" + datePlaceholder + ".csv"
	}
	return strings.ReplaceAll(template, datePlaceholder, entry.Timestamp.Format("2006-01-02"))
}
