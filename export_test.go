package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCSVExport(t *testing.T) {
	entry := HistoryEntry{
		ID:        "e1",
		Timestamp: time.Date(2026, 7, 1, 23, 59, 0, 0, time.UTC),
		Fields: map[string]string{
			"tracking": "1Z999",
			"notes":    `fragile, "handle" with care`,
			"carrier":  "UPS",
		},
	}

	exp, err := BuildCSVExport(entry, "shipments-{date}.csv", true)
	require.NoError(t, err)
	assert.Equal(t, "shipments-2026-07-01.csv", exp.Filename)
	assert.Equal(t, "text/csv", exp.ContentType)
	assert.Equal(t, "carrier,notes,tracking\nUPS,\"fragile, \"\"handle\"\" with care\",1Z999\n", exp.Content)

	exp, err = BuildCSVExport(entry, "shipments-{date}.csv", false)
	require.NoError(t, err)
	assert.Equal(t, "UPS,\"fragile, \"\"handle\"\" with care\",1Z999\n", exp.Content)
}

func TestExportFilename(t *testing.T) {
	entry := HistoryEntry{Timestamp: time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)}

	assert.Equal(t, "extraction-2026-01-09.csv", ExportFilename("", entry))
	assert.Equal(t, "static.csv", ExportFilename("static.csv", entry))
	assert.Equal(t, "2026-01-09/2026-01-09.csv", ExportFilename("{date}/{date}.csv", entry))
}
