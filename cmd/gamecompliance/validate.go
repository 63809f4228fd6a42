package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/utils"
)

// ValidateMatchFlags 验证 match 命令参数
func ValidateMatchFlags(input, target string, startIndex int, delayMin, delayMax time.Duration) error {
	if input == "" {
		return fmt.Errorf("必须指定输入表格 (--input)")
	}
	if err := utils.ValidateInputFile(input); err != nil {
		return err
	}

	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("必须指定目标站点 (--target)")
	}

	// -1 表示从检查点续跑
	if startIndex < -1 {
		return fmt.Errorf("起始位置不能为负数,当前值: %d", startIndex)
	}

	if delayMin < 0 || delayMax < 0 {
		return fmt.Errorf("记录间隔不能为负数")
	}
	if delayMin > 0 && delayMax > 0 && delayMax < delayMin {
		return fmt.Errorf("最大间隔 %s 小于最小间隔 %s", delayMax, delayMin)
	}
	return nil
}

// ValidateCalendarFlags 验证 calendar 命令参数
func ValidateCalendarFlags(startURL, output string, maxPages int) error {
	if startURL == "" {
		return fmt.Errorf("必须指定日历地址 (--url 或 calendar.start_url)")
	}
	if err := utils.ValidateURL(startURL); err != nil {
		return fmt.Errorf("无效的日历地址: %w", err)
	}

	if ext := strings.ToLower(filepath.Ext(output)); ext != ".xlsx" {
		return fmt.Errorf("输出文件必须是 .xlsx,当前为: %s", output)
	}

	if maxPages < 1 || maxPages > 500 {
		return fmt.Errorf("翻页数必须在1-500之间,当前值: %d", maxPages)
	}
	return nil
}
