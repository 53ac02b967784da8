package reader

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/xuri/excelize/v2"
)

const missingCell = "NaN"

// ReadCSV renders a CSV file as a whitespace-aligned table without row indices.
func ReadCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows, err := r.ReadAll()
	if err != nil {
		return "", parseError(FormatCSV, err)
	}
	out, err := renderTable(rows)
	if err != nil {
		return "", parseError(FormatCSV, err)
	}
	return out, nil
}

// ReadExcel renders the first sheet of a workbook like ReadCSV does.
func ReadExcel(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", parseError(FormatExcel, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", parseError(FormatExcel, errors.New("workbook has no sheets"))
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", parseError(FormatExcel, err)
	}
	out, err := renderTable(rows)
	if err != nil {
		return "", parseError(FormatExcel, err)
	}
	return out, nil
}

// renderTable treats the first row as the header. Short rows are padded with
// NaN; rows wider than the header are rejected.
func renderTable(rows [][]string) (string, error) {
	rows = dropBlankRows(rows)
	if len(rows) == 0 {
		return "", errors.New("no columns to parse")
	}

	header := rows[0]
	width := len(header)
	body := make([][]string, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) > width {
			return "", fmt.Errorf("row %d: expected %d fields, saw %d", i+2, width, len(row))
		}
		padded := make([]string, width)
		for j := range padded {
			if j < len(row) && row[j] != "" {
				padded[j] = row[j]
			} else {
				padded[j] = missingCell
			}
		}
		body = append(body, padded)
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_RIGHT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding(" ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(body)
	table.Render()

	return strings.TrimRight(buf.String(), "\n"), nil
}

func dropBlankRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		blank := true
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				blank = false
				break
			}
		}
		if !blank {
			out = append(out, row)
		}
	}
	return out
}
