package crawlers

import (
	"context"
	"sync"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
)

// ScriptedConfirmer 按顺序返回预设答案,用完后返回 Default
type ScriptedConfirmer struct {
	mu      sync.Mutex
	answers []bool
	Default bool
	Calls   []models.PauseReason
}

// NewScriptedConfirmer 创建预设答案的确认器
func NewScriptedConfirmer(answers ...bool) *ScriptedConfirmer {
	return &ScriptedConfirmer{answers: answers}
}

func (s *ScriptedConfirmer) Confirm(ctx context.Context, reason models.PauseReason, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, reason)
	if ctx.Err() != nil {
		return false
	}
	if len(s.answers) == 0 {
		return s.Default
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a
}

// CallCount 已被调用的次数
func (s *ScriptedConfirmer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// PollingConfirmer 阻塞轮询等待外部调用 Respond
// 适用于界面线程与批处理线程分离的宿主
type PollingConfirmer struct {
	Interval time.Duration
	// Notify 开始等待时调用,宿主据此弹出提示
	Notify func(reason models.PauseReason, detail string)

	mu      sync.Mutex
	pending bool
	answer  *bool
}

// NewPollingConfirmer 创建轮询确认器,默认每500ms检查一次
func NewPollingConfirmer(notify func(reason models.PauseReason, detail string)) *PollingConfirmer {
	return &PollingConfirmer{Interval: 500 * time.Millisecond, Notify: notify}
}

// Respond 提交操作员的决定,当前没有等待中的请求时返回 false
func (p *PollingConfirmer) Respond(proceed bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return false
	}
	p.answer = &proceed
	return true
}

// Pending 是否有等待中的请求
func (p *PollingConfirmer) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *PollingConfirmer) Confirm(ctx context.Context, reason models.PauseReason, detail string) bool {
	p.mu.Lock()
	p.pending = true
	p.answer = nil
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.pending = false
		p.answer = nil
		p.mu.Unlock()
	}()

	if p.Notify != nil {
		p.Notify(reason, detail)
	}

	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			p.mu.Lock()
			a := p.answer
			p.mu.Unlock()
			if a != nil {
				return *a
			}
		}
	}
}
