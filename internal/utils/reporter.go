package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/schollz/progressbar/v3"
)

// ReportFilename 批处理报告路径,与输出文件并存
func ReportFilename(outputPath string) string {
	return outputPath + ".report.json"
}

// Reporter 报告生成器
type Reporter struct {
	outputPath string
}

// NewReporter 创建报告生成器
func NewReporter(outputPath string) *Reporter {
	return &Reporter{outputPath: outputPath}
}

// GenerateReport 保存JSON报告并输出摘要
func (r *Reporter) GenerateReport(report *models.BatchReport) (string, error) {
	path := ReportFilename(r.outputPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	jsonData, err := report.ToJSON()
	if err != nil {
		return "", fmt.Errorf("序列化JSON失败: %w", err)
	}
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}

	Debugf("保存报告: %s", path)
	return path, nil
}

// PrintSummary 输出批处理摘要
func PrintSummary(report *models.BatchReport) {
	s := report.Stats
	p := report.Progress

	switch p.Status {
	case models.BatchStatusCompleted:
		Infof("✅ 批处理完成: %s", report.OutputPath)
	case models.BatchStatusAborted:
		Warnf("⏹ 批处理已被用户终止,进度已保存: %d/%d", p.CurrentIndex, p.TotalCount)
	case models.BatchStatusFailed:
		Errorf("❌ 批处理失败: %s", report.Error)
	default:
		Infof("批处理状态: %s", p.Status)
	}

	Infof("本次处理: %d 条 (无需复核 %d, 需复核 %d, 异常 %d)", s.Processed, s.Matched, s.NeedsReview, s.Errors)
	if s.Pauses > 0 {
		Infof("反爬暂停: %d 次", s.Pauses)
	}
	if s.SessionResets > 0 {
		Infof("浏览器会话重建: %d 次", s.SessionResets)
	}
	if s.SaveFailures > 0 {
		Warnf("保存失败: %d 次", s.SaveFailures)
	}
	Infof("总耗时: %.2f秒", s.Duration)
}

// NewProgressBar 创建进度条
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("条"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
