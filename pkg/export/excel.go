package export

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Sternrassler/openproject-crawler/pkg/activity"
	"github.com/xuri/excelize/v2"
)

// Sheet names of the XLSX workbook.
const (
	SheetTasks      = "Tasks"
	SheetActivities = "Activities"
	SheetSummary    = "Summary"
)

var (
	taskHeaders     = []string{"ID", "Name", "Type", "Priority", "Project", "Created", "Closed", "Duration (days)", "Activities"}
	activityHeaders = []string{"Task ID", "Task", "Date", "Actions"}
)

// Excel writes a workbook with one row per task, one row per activity and
// a per-type summary.
type Excel struct{}

// Format implements Exporter.
func (Excel) Format() Format { return FormatXLSX }

// Write implements Exporter.
func (Excel) Write(w io.Writer, project string, tasks []activity.Task) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SheetTasks); err != nil {
		return err
	}
	if err := writeTasksSheet(f, tasks, headerStyle); err != nil {
		return fmt.Errorf("tasks sheet: %w", err)
	}

	if _, err := f.NewSheet(SheetActivities); err != nil {
		return err
	}
	if err := writeActivitiesSheet(f, tasks, headerStyle); err != nil {
		return fmt.Errorf("activities sheet: %w", err)
	}

	if _, err := f.NewSheet(SheetSummary); err != nil {
		return err
	}
	if err := writeSummarySheet(f, project, tasks, headerStyle); err != nil {
		return fmt.Errorf("summary sheet: %w", err)
	}

	f.SetActiveSheet(0)
	return f.Write(w)
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func writeTasksSheet(f *excelize.File, tasks []activity.Task, style int) error {
	if err := writeHeader(f, SheetTasks, taskHeaders, style); err != nil {
		return err
	}

	for i, t := range tasks {
		var closed, duration any = "", ""
		if t.ClosedDate != nil {
			closed = *t.ClosedDate
		}
		if t.DurationDays != nil {
			duration = *t.DurationDays
		}
		row := []any{t.ID, t.Name, t.Type, t.Priority, t.Project, t.CreatedDate, closed, duration, len(t.Activities)}
		if err := writeRow(f, SheetTasks, i+2, row); err != nil {
			return err
		}
	}

	f.SetColWidth(SheetTasks, "A", "A", 8)
	f.SetColWidth(SheetTasks, "B", "B", 40)
	f.SetColWidth(SheetTasks, "C", "E", 15)
	f.SetColWidth(SheetTasks, "F", "G", 20)
	f.SetColWidth(SheetTasks, "H", "I", 15)
	return nil
}

func writeActivitiesSheet(f *excelize.File, tasks []activity.Task, style int) error {
	if err := writeHeader(f, SheetActivities, activityHeaders, style); err != nil {
		return err
	}

	row := 2
	for _, t := range tasks {
		for _, a := range t.Activities {
			values := []any{t.ID, t.Name, a.DateTime, strings.Join(a.Actions, "\n")}
			if err := writeRow(f, SheetActivities, row, values); err != nil {
				return err
			}
			row++
		}
	}

	f.SetColWidth(SheetActivities, "A", "A", 8)
	f.SetColWidth(SheetActivities, "B", "B", 40)
	f.SetColWidth(SheetActivities, "C", "C", 20)
	f.SetColWidth(SheetActivities, "D", "D", 80)
	return nil
}

// writeSummarySheet writes per-type counts, closed counts and the mean
// duration of closed tasks.
func writeSummarySheet(f *excelize.File, project string, tasks []activity.Task, style int) error {
	type stats struct {
		total, closed, days int
	}
	byType := make(map[string]*stats)
	for _, t := range tasks {
		s := byType[t.Type]
		if s == nil {
			s = &stats{}
			byType[t.Type] = s
		}
		s.total++
		if t.DurationDays != nil {
			s.closed++
			s.days += *t.DurationDays
		}
	}

	types := make([]string, 0, len(byType))
	for typ := range byType {
		types = append(types, typ)
	}
	sort.Strings(types)

	if err := f.SetCellValue(SheetSummary, "A1", "Project"); err != nil {
		return err
	}
	if err := f.SetCellValue(SheetSummary, "B1", project); err != nil {
		return err
	}

	headers := []any{"Type", "Tasks", "Closed", "Avg. duration (days)"}
	if err := writeRow(f, SheetSummary, 3, headers); err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetSummary, "A3", "D3", style); err != nil {
		return err
	}

	row := 4
	var total stats
	for _, typ := range types {
		s := byType[typ]
		if err := writeRow(f, SheetSummary, row, []any{typ, s.total, s.closed, average(s.days, s.closed)}); err != nil {
			return err
		}
		total.total += s.total
		total.closed += s.closed
		total.days += s.days
		row++
	}

	if err := writeRow(f, SheetSummary, row, []any{"Total", total.total, total.closed, average(total.days, total.closed)}); err != nil {
		return err
	}

	f.SetColWidth(SheetSummary, "A", "A", 20)
	f.SetColWidth(SheetSummary, "B", "D", 18)
	return nil
}

func average(sum, n int) any {
	if n == 0 {
		return ""
	}
	return float64(sum) / float64(n)
}
