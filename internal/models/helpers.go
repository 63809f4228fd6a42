package models

import (
	"github.com/google/uuid"
)

// NewRunID 生成批处理运行ID
func NewRunID() string {
	return uuid.New().String()
}

// TruncateReason 截断原因字符串,避免单元格过长
func TruncateReason(reason string, max int) string {
	runes := []rune(reason)
	if max <= 0 || len(runes) <= max {
		return reason
	}
	return string(runes[:max]) + "..."
}
