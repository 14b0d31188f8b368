package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	dailySheet = "Daily"
	tierSheet  = "Tiers"
	stepSheet  = "Steps"
)

// WriteXLSX exports the daily, tier and step breakdowns as a workbook.
func WriteXLSX(rep *Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", dailySheet); err != nil {
		return err
	}
	for _, name := range []string{tierSheet, stepSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	daily := make([][]interface{}, 0, len(rep.Daily)+1)
	for _, d := range rep.Daily {
		daily = append(daily, []interface{}{d.Date, d.TotalSent, d.Bounces, d.Opens, d.Clicks, d.Unsubscribes, d.SpamComplaints})
	}
	daily = append(daily, []interface{}{"Total", rep.Totals.TotalSent, rep.Totals.Bounces, rep.Totals.Opens,
		rep.Totals.Clicks, rep.Totals.Unsubscribes, rep.Totals.SpamComplaints})
	if err := writeSheet(f, dailySheet, headerStyle,
		[]string{"Date", "Sent", "Bounces", "Opens", "Clicks", "Unsubscribes", "Spam Complaints"}, daily); err != nil {
		return err
	}

	tiers := make([][]interface{}, 0, len(rep.Tiers))
	for _, t := range rep.Tiers {
		tiers = append(tiers, []interface{}{t.Tier, t.Total, t.Active, t.Excluded})
	}
	if err := writeSheet(f, tierSheet, headerStyle, []string{"Tier", "Contacts", "Active", "Excluded"}, tiers); err != nil {
		return err
	}

	steps := make([][]interface{}, 0, len(rep.Steps))
	for _, s := range rep.Steps {
		steps = append(steps, []interface{}{s.Tier, s.Step, s.Sends})
	}
	if err := writeSheet(f, stepSheet, headerStyle, []string{"Tier", "Step", "Sends"}, steps); err != nil {
		return err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("render workbook: %w", err)
	}
	_, err = buf.WriteTo(w)
	return err
}

func writeSheet(f *excelize.File, sheet string, headerStyle int, columns []string, rows [][]interface{}) error {
	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return err
		}
	}
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}
	for i := range columns {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, 15); err != nil {
			return err
		}
	}
	return nil
}
