package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateMatchFlags(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "games.xlsx")
	if err := os.WriteFile(input, []byte("placeholder"), 0644); err != nil {
		t.Fatal(err)
	}
	csv := filepath.Join(dir, "games.csv")
	if err := os.WriteFile(csv, []byte("a,b"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		input      string
		target     string
		startIndex int
		delayMin   time.Duration
		delayMax   time.Duration
		wantErr    bool
	}{
		{"合法参数", input, "copyright", -1, 0, 0, false},
		{"指定起始位置", input, "approval", 10, 3 * time.Second, 5 * time.Second, false},
		{"缺少输入", "", "copyright", -1, 0, 0, true},
		{"输入不存在", filepath.Join(dir, "missing.xlsx"), "copyright", -1, 0, 0, true},
		{"输入不是xlsx", csv, "copyright", -1, 0, 0, true},
		{"缺少目标", input, " ", -1, 0, 0, true},
		{"起始位置为负", input, "copyright", -2, 0, 0, true},
		{"间隔倒置", input, "copyright", -1, 5 * time.Second, 3 * time.Second, true},
		{"间隔为负", input, "copyright", -1, -time.Second, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMatchFlags(tt.input, tt.target, tt.startIndex, tt.delayMin, tt.delayMax)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMatchFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCalendarFlags(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		output   string
		maxPages int
		wantErr  bool
	}{
		{"合法参数", "https://example.com/releases", "calendar.xlsx", 10, false},
		{"缺少地址", "", "calendar.xlsx", 10, true},
		{"地址缺少协议", "example.com/releases", "calendar.xlsx", 10, true},
		{"非法协议", "ftp://example.com", "calendar.xlsx", 10, true},
		{"输出不是xlsx", "https://example.com", "calendar.csv", 10, true},
		{"翻页数为0", "https://example.com", "calendar.xlsx", 0, true},
		{"翻页数过大", "https://example.com", "calendar.xlsx", 501, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCalendarFlags(tt.url, tt.output, tt.maxPages)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCalendarFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
