package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/xuri/excelize/v2"
)

const calendarSheet = "发售日历"

// CalendarHeader 日历表头,前两列与匹配输入的默认列名一致
var CalendarHeader = []string{DefaultPrimaryColumn, DefaultAuxiliaryColumn, "发售日期", "平台", "来源"}

// WriteCalendar 将发售日历写成可直接作为匹配输入的表格
func WriteCalendar(path string, entries []models.CalendarEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), calendarSheet); err != nil {
		return err
	}

	header := make([]interface{}, len(CalendarHeader))
	for i, h := range CalendarHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(calendarSheet, "A1", &header); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}

	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{e.Name, e.Publisher, e.ReleaseDate, e.Platform, e.SourceURL}
		if err := f.SetSheetRow(calendarSheet, cell, &row); err != nil {
			return fmt.Errorf("写入第%d行失败: %w", i+2, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	return nil
}
