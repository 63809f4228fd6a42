package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/browser"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/go-rod/rod"
)

// livenessTimeout 检查现有会话是否可用的超时
const livenessTimeout = 3 * time.Second

// PageBinder 在新会话上创建工作页面
type PageBinder interface {
	Bind(b *rod.Browser) error
	Unbind()
}

// BrowserSession 批处理使用的浏览器会话
// 首次使用或会话失效时启动;启动失败清除驱动缓存后重试一次
type BrowserSession struct {
	manager  *browser.SessionManager
	resolver *browser.DriverResolver
	binder   PageBinder
	headless bool

	handle *browser.SessionHandle
	// launches 成功启动次数
	launches int
}

// NewBrowserSession 创建会话绑定器
func NewBrowserSession(manager *browser.SessionManager, resolver *browser.DriverResolver, binder PageBinder, headless bool) *BrowserSession {
	return &BrowserSession{
		manager:  manager,
		resolver: resolver,
		binder:   binder,
		headless: headless,
	}
}

// Ensure 保证存在可用会话,返回是否新建了会话
func (s *BrowserSession) Ensure(ctx context.Context) (bool, error) {
	if s.alive() {
		return false, nil
	}
	s.drop()

	err := s.launch(ctx)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	// 缓存的驱动可能已与浏览器不匹配
	_ = s.resolver.Invalidate()
	if retryErr := s.launch(ctx); retryErr != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(retryErr, models.ErrDriverUnavailable) {
			return false, retryErr
		}
		return false, fmt.Errorf("%w: %w", models.ErrDriverUnavailable, retryErr)
	}
	return true, nil
}

func (s *BrowserSession) launch(ctx context.Context) error {
	entry, err := s.resolver.Resolve(ctx, "")
	if err != nil {
		return err
	}

	handle, err := s.manager.Launch(ctx, entry, s.headless)
	if err != nil {
		return err
	}
	if err := s.binder.Bind(handle.Browser); err != nil {
		handle.Release()
		return fmt.Errorf("%w: %w", models.ErrLaunchFailed, err)
	}

	if err := s.resolver.MarkVerified(entry); err != nil {
		utils.Warnf("刷新驱动缓存失败: %v", err)
	}
	s.handle = handle
	s.launches++
	return nil
}

// alive 现有会话是否仍能响应
func (s *BrowserSession) alive() bool {
	if s.handle == nil || s.handle.Released() || s.handle.Browser == nil {
		return false
	}
	_, err := s.handle.Browser.Timeout(livenessTimeout).Pages()
	return err == nil
}

func (s *BrowserSession) drop() {
	s.binder.Unbind()
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
}

// Reset 丢弃当前会话,下次 Ensure 时重新启动
func (s *BrowserSession) Reset() {
	s.drop()
}

// Release 释放会话,可重复调用
func (s *BrowserSession) Release() {
	s.drop()
}

// Launches 成功启动次数
func (s *BrowserSession) Launches() int {
	return s.launches
}
