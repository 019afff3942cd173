package httpapi

import (
	"bytes"
	"fmt"
	"sort"

	"plantops-data/internal/domain"
	"plantops-data/internal/service"

	"github.com/xuri/excelize/v2"
)

// PlantCycleTrackerHeader 导出表头（tracker 明细）
var PlantCycleTrackerHeader = []string{"Tracker", "Cabinet", "Row", "Col", "State"}

// PlantCycleProgressHeader 导出表头（cabinet 进度）
var PlantCycleProgressHeader = []string{"Cabinet", "Done", "Halfway", "Not Done", "Total", "Percent Complete"}

const (
	trackerSheet  = "Trackers"
	progressSheet = "Progress"
)

// GeneratePlantCycleExport 生成当前周期的进度导出 Excel 文件
func GeneratePlantCycleExport(overview *service.CycleOverview, layout []domain.TrackerUnit) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	index, err := f.NewSheet(trackerSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(progressSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for _, sheet := range []struct {
		name    string
		headers []string
	}{
		{trackerSheet, PlantCycleTrackerHeader},
		{progressSheet, PlantCycleProgressHeader},
	} {
		if err := writeHeader(f, sheet.name, sheet.headers, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}

	// tracker 明细（按 ID 排序，办公室标记不导出）
	trackers := make([]domain.TrackerUnit, 0, len(layout))
	for _, t := range layout {
		if t.Selectable() {
			trackers = append(trackers, t)
		}
	}
	sort.Slice(trackers, func(i, j int) bool { return trackers[i].TrackerID < trackers[j].TrackerID })
	for i, t := range trackers {
		row := []any{t.TrackerID, t.Cabinet, t.Row, t.Col, string(overview.State.StateOf(t.TrackerID))}
		if err := writeRow(f, trackerSheet, i+2, row); err != nil {
			f.Close()
			return nil, err
		}
	}

	// cabinet 进度 + 合计
	rowIdx := 2
	for _, c := range overview.Cabinets {
		if err := writeRow(f, progressSheet, rowIdx, progressRow(c.Cabinet, c.Progress)); err != nil {
			f.Close()
			return nil, err
		}
		rowIdx++
	}
	if err := writeRow(f, progressSheet, rowIdx, progressRow("Total", overview.Progress)); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func progressRow(label string, p domain.Progress) []any {
	return []any{label, p.DoneCount, p.HalfwayCount, p.NotDoneCount, p.TotalTrackers, fmt.Sprintf("%.1f%%", p.PercentComplete)}
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to set cell %s: %w", cell, err)
		}
	}
	return nil
}
