package models

import "strings"

// CalendarEntry 游戏发售日历中的一条
type CalendarEntry struct {
	Name        string `json:"name"`
	ReleaseDate string `json:"release_date"`
	Platform    string `json:"platform"`
	Publisher   string `json:"publisher"`
	SourceURL   string `json:"source_url"`
}

// Key 去重键
func (e CalendarEntry) Key() string {
	return strings.TrimSpace(e.Name) + "|" + strings.TrimSpace(e.ReleaseDate)
}

// ToWorkRecord 转换为查询记录,运营方取发行商
func (e CalendarEntry) ToWorkRecord(index int) WorkRecord {
	return WorkRecord{
		Index:        index,
		RowID:        index + 2,
		PrimaryKey:   strings.TrimSpace(e.Name),
		AuxiliaryKey: strings.TrimSpace(e.Publisher),
	}
}
