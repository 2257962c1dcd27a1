package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AlignsWideRunes(t *testing.T) {
	tbl := newTable("HANDLE", "NAME")
	tbl.add(plain("alice"), plain("Alice"))
	tbl.add(plain("東京"), plain("Tokyo"))

	var buf bytes.Buffer
	tbl.render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)

	// The second column starts at the same terminal cell on every line.
	col := runewidth.StringWidth("HANDLE") + len(columnGap)
	for _, line := range lines {
		assert.Greater(t, runewidth.StringWidth(line), col, line)
		prefix := runewidth.Truncate(line, col, "")
		assert.Equal(t, col, runewidth.StringWidth(prefix), line)
		assert.True(t, strings.HasSuffix(prefix, columnGap), "column gap missing in %q", line)
	}
	assert.Equal(t, "東京    Tokyo", lines[2])
}

func TestTable_TruncatesLongCells(t *testing.T) {
	tbl := newTable("NAME")
	tbl.add(plain(strings.Repeat("x", 100)))

	var buf bytes.Buffer
	tbl.render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.LessOrEqual(t, runewidth.StringWidth(lines[1]), maxCellWidth)
	assert.Less(t, len(lines[1]), 100)
	assert.True(t, strings.HasSuffix(lines[1], "…"))
}

func TestTable_NoTrailingSpace(t *testing.T) {
	tbl := newTable("A", "B")
	tbl.add(plain("long value"), plain(""))

	var buf bytes.Buffer
	tbl.render(&buf)

	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		assert.Equal(t, strings.TrimRight(line, " "), line)
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "never", formatTime(nil))
	assert.Equal(t, "never", formatTime(&time.Time{}))

	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-03-01T11:30:00Z", formatTime(&ts))
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "bob", orDash("bob"))
}
