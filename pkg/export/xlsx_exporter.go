package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const defaultSheet = "Sheet1"

// XLSXExporter renders datasets into a single sheet workbook.
type XLSXExporter struct{}

// NewXLSXExporter constructs an XLSX exporter.
func NewXLSXExporter() *XLSXExporter {
	return &XLSXExporter{}
}

// Render writes a bold, filterable header row followed by the data rows.
func (e *XLSXExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("xlsx requires at least one header")
	}
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck

	sheet := sheetName(data.Title)
	if sheet != defaultSheet {
		if err := f.SetSheetName(defaultSheet, sheet); err != nil {
			return nil, fmt.Errorf("rename sheet: %w", err)
		}
	}

	for col, h := range data.Headers {
		ref, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellStr(sheet, ref, h); err != nil {
			return nil, fmt.Errorf("set cell %s: %w", ref, err)
		}
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(data.Headers), 1)
	if err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetCellStyle(sheet, "A1", lastHeader, bold)
	}
	_ = f.AutoFilter(sheet, "A1:"+lastHeader, nil)

	for r, row := range data.Rows {
		for c := range data.Headers {
			ref, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellStr(sheet, ref, cell(row, c)); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", ref, err)
			}
		}
	}

	for c, h := range data.Headers {
		width := len(h)
		for r := 0; r < len(data.Rows) && r < 50; r++ {
			if l := len(cell(data.Rows[r], c)); l > width {
				width = l
			}
		}
		name, _ := excelize.ColumnNumberToName(c + 1)
		_ = f.SetColWidth(sheet, name, name, clampWidth(float64(width)*1.1))
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func sheetName(title string) string {
	if title == "" {
		return defaultSheet
	}
	invalid := map[rune]bool{':': true, '\\': true, '/': true, '?': true, '*': true, '[': true, ']': true}
	runes := make([]rune, 0, len(title))
	for _, r := range title {
		if !invalid[r] {
			runes = append(runes, r)
		}
	}
	if len(runes) > 31 {
		runes = runes[:31]
	}
	if len(runes) == 0 {
		return defaultSheet
	}
	return string(runes)
}

func clampWidth(w float64) float64 {
	if w < 12 {
		return 12
	}
	if w > 40 {
		return 40
	}
	return w
}
