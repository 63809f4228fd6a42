package models

import (
	"encoding/json"
	"time"
)

// BatchStatus 批处理状态
type BatchStatus string

const (
	BatchStatusInit      BatchStatus = "init"      // 初始化
	BatchStatusRunning   BatchStatus = "running"   // 执行中
	BatchStatusPaused    BatchStatus = "paused"    // 等待人工处理
	BatchStatusCompleted BatchStatus = "completed" // 已完成
	BatchStatusAborted   BatchStatus = "aborted"   // 用户终止
	BatchStatusFailed    BatchStatus = "failed"    // 会话级错误
)

// Terminal 是否为终止状态
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusAborted || s == BatchStatusFailed
}

// BatchProgress 批处理进度
type BatchProgress struct {
	RunID        string      `json:"run_id"`
	CurrentIndex int         `json:"current_index"` // 下一条待处理记录的下标
	TotalCount   int         `json:"total_count"`
	Status       BatchStatus `json:"status"`
	Paused       bool        `json:"paused"`
	PauseReason  string      `json:"pause_reason,omitempty"`
}

// Advance 记录完成后前移,只增不减
func (p *BatchProgress) Advance(index int) {
	if index+1 > p.CurrentIndex {
		p.CurrentIndex = index + 1
	}
}

// Remaining 剩余记录数
func (p *BatchProgress) Remaining() int {
	if p.CurrentIndex >= p.TotalCount {
		return 0
	}
	return p.TotalCount - p.CurrentIndex
}

// BatchStats 批处理统计
type BatchStats struct {
	Processed     int     `json:"processed"`      // 本次运行处理的记录数
	Matched       int     `json:"matched"`        // 无需复核
	NeedsReview   int     `json:"needs_review"`   // 需人工复核
	Errors        int     `json:"errors"`         // 未处理异常
	Pauses        int     `json:"pauses"`         // 反爬暂停次数
	Checkpoints   int     `json:"checkpoints"`    // 成功保存次数
	SaveFailures  int     `json:"save_failures"`  // 保存失败次数
	SessionResets int     `json:"session_resets"` // 会话重建次数
	Duration      float64 `json:"duration"`       // 耗时(秒)
}

// Record 统计一条结果
func (s *BatchStats) Record(result MatchResult) {
	s.Processed++
	if result.NeedsManualReview {
		s.NeedsReview++
	} else {
		s.Matched++
	}
}

// BatchReport 批处理报告
type BatchReport struct {
	RunID      string        `json:"run_id"`
	Target     string        `json:"target"`
	InputPath  string        `json:"input_path"`
	OutputPath string        `json:"output_path"`
	StartIndex int           `json:"start_index"`
	Progress   BatchProgress `json:"progress"`
	Stats      BatchStats    `json:"stats"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Error      string        `json:"error,omitempty"`
}

// ToJSON 序列化为JSON
func (r *BatchReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
