package crawlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/GameCompliance/internal/metrics"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxFailures 连续失败多少次后暂停
const DefaultMaxFailures = 3

// HumanConfirmer 请求操作员确认,true=继续, false=终止
// ctx 结束时必须立即返回 false
type HumanConfirmer interface {
	Confirm(ctx context.Context, reason models.PauseReason, detail string) bool
}

// GuardState 反爬守卫状态
type GuardState int

const (
	GuardNormal GuardState = iota
	GuardPausedForHuman
)

func (s GuardState) String() string {
	if s == GuardPausedForHuman {
		return "PAUSED_FOR_HUMAN"
	}
	return "NORMAL"
}

// GuardVerdict CheckAntiCrawl 的结论
type GuardVerdict int

const (
	// VerdictContinue 未达阈值,调用方可重试
	VerdictContinue GuardVerdict = iota
	// VerdictResumed 已暂停并由操作员确认继续
	VerdictResumed
)

// AntiBotGuard 连续失败计数状态机
type AntiBotGuard struct {
	mu          sync.Mutex
	maxFailures int
	failures    int
	state       GuardState
	pauseReason models.PauseReason
	pauses      int

	confirmer HumanConfirmer
	onPause   func(reason models.PauseReason, detail string)
	metrics   *metrics.Recorder
}

// NewAntiBotGuard 创建守卫,maxFailures<=0 时使用默认值
func NewAntiBotGuard(maxFailures int, confirmer HumanConfirmer, rec *metrics.Recorder) *AntiBotGuard {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &AntiBotGuard{
		maxFailures: maxFailures,
		confirmer:   confirmer,
		metrics:     rec,
	}
}

// SetOnPause 设置暂停回调,在阻塞等待确认之前调用(用于保存进度)
func (g *AntiBotGuard) SetOnPause(fn func(reason models.PauseReason, detail string)) {
	g.mu.Lock()
	g.onPause = fn
	g.mu.Unlock()
}

// RecordSuccess 任一操作成功时清零计数
func (g *AntiBotGuard) RecordSuccess() {
	g.mu.Lock()
	g.failures = 0
	g.mu.Unlock()
}

// CheckAntiCrawl 记录一次可恢复失败
// 达到阈值时暂停并阻塞等待操作员,拒绝继续时返回 ErrUserAbort
func (g *AntiBotGuard) CheckAntiCrawl(ctx context.Context, reason string) (GuardVerdict, error) {
	g.mu.Lock()
	g.failures++
	n := g.failures
	reached := n >= g.maxFailures
	if reached {
		g.failures = 0
	}
	g.mu.Unlock()

	g.metrics.GuardFailure()
	log.Warn().Int("failures", n).Int("threshold", g.maxFailures).Str("reason", reason).Msg("提取失败")

	if !reached {
		return VerdictContinue, nil
	}

	detail := fmt.Sprintf("连续%d次失败,最后一次: %s", n, reason)
	if err := g.pause(ctx, models.ReasonAntiBotSuspected, detail); err != nil {
		return VerdictContinue, err
	}
	return VerdictResumed, nil
}

// RequestLogin 目标站点要求登录时请求操作员处理
func (g *AntiBotGuard) RequestLogin(ctx context.Context, detail string) error {
	return g.pause(ctx, models.ReasonLoginRequired, detail)
}

func (g *AntiBotGuard) pause(ctx context.Context, reason models.PauseReason, detail string) error {
	g.mu.Lock()
	g.state = GuardPausedForHuman
	g.pauseReason = reason
	g.pauses++
	onPause := g.onPause
	g.mu.Unlock()

	g.metrics.Pause(string(reason))
	log.Warn().Str("reason", string(reason)).Str("detail", detail).Msg("暂停,等待人工处理")

	if onPause != nil {
		onPause(reason, detail)
	}

	proceed := false
	if ctx.Err() == nil && g.confirmer != nil {
		proceed = g.confirmer.Confirm(ctx, reason, detail)
	}
	if ctx.Err() != nil {
		proceed = false
	}

	if !proceed {
		log.Warn().Str("reason", string(reason)).Msg("操作员未确认继续")
		return fmt.Errorf("%w: %s", models.ErrUserAbort, reason.Describe())
	}

	g.mu.Lock()
	g.state = GuardNormal
	g.pauseReason = ""
	g.mu.Unlock()

	log.Info().Str("reason", string(reason)).Msg("操作员已确认,继续执行")
	return nil
}

// State 当前状态
func (g *AntiBotGuard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// PauseReason 当前暂停原因,未暂停时为空
func (g *AntiBotGuard) PauseReason() models.PauseReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauseReason
}

// Failures 当前连续失败次数
func (g *AntiBotGuard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// Pauses 累计暂停次数
func (g *AntiBotGuard) Pauses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauses
}
