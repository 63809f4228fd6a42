package models

import (
	"fmt"
	"strings"
)

// NoShortName 站点在"软件简称"为空时显示的占位符
const NoShortName = "-"

// WorkRecord 一条待查询记录(来自输入表格的一行),加载后不可修改
type WorkRecord struct {
	Index        int    `json:"index"`         // 在输入中的顺序(从0开始)
	RowID        int    `json:"row_id"`        // 源表格中的行号,用于回写
	PrimaryKey   string `json:"primary_key"`   // 游戏名称
	AuxiliaryKey string `json:"auxiliary_key"` // 运营单位/出版单位,可为空
}

// String 便于日志输出
func (r WorkRecord) String() string {
	if r.AuxiliaryKey == "" {
		return fmt.Sprintf("#%d %s", r.Index+1, r.PrimaryKey)
	}
	return fmt.Sprintf("#%d %s (%s)", r.Index+1, r.PrimaryKey, r.AuxiliaryKey)
}

// Candidate 结果列表中的一行
type Candidate struct {
	ShortName string            `json:"short_name"` // 软件简称/游戏名称
	Owner     string            `json:"owner"`      // 著作权人/运营单位
	Extra     map[string]string `json:"extra,omitempty"`
}

// MatchResult 单条记录的匹配结果
type MatchResult struct {
	MatchedOwner      string `json:"matched_owner"`
	NameMatches       bool   `json:"name_matches"`
	OperatorMatches   bool   `json:"operator_matches"`
	ResultCount       int    `json:"result_count"`
	NeedsManualReview bool   `json:"needs_manual_review"`
	ReviewReason      string `json:"review_reason,omitempty"`
}

// NewMatchResult 返回处理前的默认结果: 需要人工复核
func NewMatchResult() MatchResult {
	return MatchResult{NeedsManualReview: true}
}

// MarkReview 标记为需人工复核并记录原因
func (m *MatchResult) MarkReview(reason string) {
	m.NeedsManualReview = true
	if reason != "" {
		m.ReviewReason = reason
	}
}

// CanonicalShortName 归一化软件简称,空值与占位符视为同一值
func CanonicalShortName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == NoShortName {
		return NoShortName
	}
	return s
}

// FilterViewState 当前会话页面是否处于时间范围筛选视图
type FilterViewState int

const (
	Unfiltered FilterViewState = iota
	Filtered
)

func (s FilterViewState) String() string {
	if s == Filtered {
		return "filtered"
	}
	return "unfiltered"
}

// AfterFilteredCapture 筛选视图下的结果决定下一条记录的视图状态
// 有结果则保持筛选,否则取消筛选后进入未筛选状态
func (s FilterViewState) AfterFilteredCapture(count int) FilterViewState {
	if count >= 1 {
		return Filtered
	}
	return Unfiltered
}

// AfterPause 暂停后回到安全默认值
func (s FilterViewState) AfterPause() FilterViewState {
	return Unfiltered
}

// PauseReason 请求人工介入的原因
type PauseReason string

const (
	ReasonLoginRequired    PauseReason = "LOGIN_REQUIRED"
	ReasonAntiBotSuspected PauseReason = "ANTI_BOT_SUSPECTED"
)

// Describe 面向操作员的提示语
func (r PauseReason) Describe() string {
	switch r {
	case ReasonLoginRequired:
		return "目标网站要求登录,请在浏览器中完成登录"
	case ReasonAntiBotSuspected:
		return "连续多次提取失败,疑似触发反爬(验证码/限流/会话过期),请在浏览器中处理"
	default:
		return string(r)
	}
}
