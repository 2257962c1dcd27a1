package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"
)

const (
	maxCellWidth = 60
	columnGap    = "  "
)

var (
	styleHeader = color.New(color.OpBold)
	styleOK     = color.New(color.FgGreen)
	styleWarn   = color.New(color.FgYellow)
	styleBad    = color.New(color.FgRed)
	styleDim    = color.New(color.FgGray)
)

type cell struct {
	text  string
	style color.Style
}

func plain(s string) cell {
	return cell{text: s}
}

func styled(s string, st color.Style) cell {
	return cell{text: s, style: st}
}

// table renders left-aligned columns. Widths are measured in terminal cells
// so wide runes in handles and display names do not break alignment.
type table struct {
	headers []string
	rows    [][]cell
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) add(cells ...cell) {
	for i := range cells {
		cells[i].text = runewidth.Truncate(cells[i].text, maxCellWidth, "…")
	}
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(c.text))
			}
		}
	}

	header := make([]cell, len(t.headers))
	for i, h := range t.headers {
		header[i] = styled(h, styleHeader)
	}
	t.renderRow(w, header, widths)
	for _, row := range t.rows {
		t.renderRow(w, row, widths)
	}
}

func (t *table) renderRow(w io.Writer, row []cell, widths []int) {
	parts := make([]string, 0, len(row))
	for i, c := range row {
		text := c.text
		if i < len(row)-1 && i < len(widths) {
			text = runewidth.FillRight(text, widths[i])
		}
		parts = append(parts, c.style.Sprint(text))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, columnGap), " "))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
