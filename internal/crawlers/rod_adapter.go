package crawlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// RodAdapterOptions 页面等待参数
type RodAdapterOptions struct {
	PageLoadTimeout time.Duration
	ElementTimeout  time.Duration
	// SettleDelay 点击筛选项或提交搜索后等待页面刷新
	SettleDelay time.Duration
	Headers     http.Header
}

func (o RodAdapterOptions) withDefaults() RodAdapterOptions {
	if o.PageLoadTimeout <= 0 {
		o.PageLoadTimeout = 15 * time.Second
	}
	if o.ElementTimeout <= 0 {
		o.ElementTimeout = 15 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 800 * time.Millisecond
	}
	return o
}

// RodAdapter 基于选择器配置的浏览器站点适配器
type RodAdapter struct {
	profile SiteProfile
	opts    RodAdapterOptions
	blocks  *BlockDetector

	page *rod.Page
}

// NewRodAdapter 创建适配器,需调用 Bind 绑定浏览器后使用
func NewRodAdapter(profile SiteProfile, opts RodAdapterOptions) (*RodAdapter, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	blocks, err := NewBlockDetector(profile.BlockPatterns)
	if err != nil {
		return nil, err
	}
	return &RodAdapter{
		profile: profile,
		opts:    opts.withDefaults(),
		blocks:  blocks,
	}, nil
}

// Name 站点名称
func (a *RodAdapter) Name() string { return a.profile.Name }

// Profile 当前站点配置
func (a *RodAdapter) Profile() SiteProfile { return a.profile }

// Bind 在浏览器中创建隐身页面并设置额外请求头
func (a *RodAdapter) Bind(b *rod.Browser) error {
	a.Unbind()

	page, err := stealth.Page(b)
	if err != nil {
		return fmt.Errorf("创建页面失败: %w", err)
	}

	if len(a.opts.Headers) > 0 {
		var kv []string
		for name, values := range a.opts.Headers {
			if len(values) == 0 {
				continue
			}
			kv = append(kv, name, values[0])
		}
		if _, err := page.SetExtraHeaders(kv); err != nil {
			_ = page.Close()
			return fmt.Errorf("设置请求头失败: %w", err)
		}
	}

	_ = proto.EmulationSetFocusEmulationEnabled{Enabled: true}.Call(page)

	a.page = page
	log.Debug().Str("site", a.profile.Name).Int("headers", len(a.opts.Headers)).Msg("页面已绑定")
	return nil
}

// Unbind 关闭当前页面
func (a *RodAdapter) Unbind() {
	if a.page == nil {
		return
	}
	if err := a.page.Close(); err != nil {
		log.Debug().Err(err).Msg("关闭页面失败")
	}
	a.page = nil
}

func (a *RodAdapter) requirePage() (*rod.Page, error) {
	if a.page == nil {
		return nil, models.ErrSessionReleased
	}
	return a.page, nil
}

// SearchByURL 直接打开带关键字的搜索页
func (a *RodAdapter) SearchByURL(ctx context.Context, key string) error {
	page, err := a.requirePage()
	if err != nil {
		return err
	}
	u, err := a.profile.BuildSearchURL(key)
	if err != nil {
		return err
	}

	p := page.Context(ctx).Timeout(a.opts.PageLoadTimeout)
	if err := p.Navigate(u); err != nil {
		return fmt.Errorf("打开 %s 失败: %w", u, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("等待页面加载超时: %w", err)
	}
	a.waitResults(ctx)
	return nil
}

// SearchByInput 在搜索框中清空后输入关键字并提交
func (a *RodAdapter) SearchByInput(ctx context.Context, key string) error {
	page, err := a.requirePage()
	if err != nil {
		return err
	}
	if strings.TrimSpace(a.profile.SearchInput) == "" {
		return fmt.Errorf("站点 %s 未配置搜索框", a.profile.Name)
	}

	p := page.Context(ctx)
	el, err := p.Timeout(a.opts.ElementTimeout).Element(a.profile.SearchInput)
	if err != nil {
		return fmt.Errorf("未找到搜索框: %w", err)
	}
	el = el.CancelTimeout()

	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("搜索框不可见: %w", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("搜索框不可交互: %w", err)
	}
	if err := a.clearInput(p, el); err != nil {
		return err
	}
	if err := el.Input(strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("输入关键字失败: %w", err)
	}

	if err := a.submit(p, el); err != nil {
		return err
	}

	if err := p.Timeout(a.opts.PageLoadTimeout).WaitLoad(); err != nil {
		log.Debug().Err(err).Msg("提交后等待加载失败")
	}
	a.settle(ctx)
	a.waitResults(ctx)
	return nil
}

// clearInput 全选后删除,部分站点会忽略直接置空
func (a *RodAdapter) clearInput(p *rod.Page, el *rod.Element) error {
	if err := el.SelectAllText(); err == nil {
		if err := p.Keyboard.Type(input.Backspace); err != nil {
			return fmt.Errorf("清空搜索框失败: %w", err)
		}
	}
	if inputValue(el) == "" {
		return nil
	}

	err := p.KeyActions().
		Press(input.ControlLeft).Type(input.KeyA).Release(input.ControlLeft).
		Type(input.Backspace).
		Do()
	if err != nil {
		return fmt.Errorf("清空搜索框失败: %w", err)
	}
	if v := inputValue(el); v != "" {
		return fmt.Errorf("搜索框未能清空: %q", v)
	}
	return nil
}

func inputValue(el *rod.Element) string {
	v, err := el.Property("value")
	if err != nil {
		return ""
	}
	return v.Str()
}

func (a *RodAdapter) submit(p *rod.Page, el *rod.Element) error {
	if a.profile.SearchSubmit != "" {
		btn, err := p.Timeout(2 * time.Second).Element(a.profile.SearchSubmit)
		if err == nil {
			if err := btn.CancelTimeout().Click(proto.InputMouseButtonLeft, 1); err == nil {
				return nil
			}
		}
	}
	if err := el.Type(input.Enter); err != nil {
		return fmt.Errorf("提交搜索失败: %w", err)
	}
	return nil
}

// waitResults 等待结果区、空结果提示或登录框出现,超时不报错,由后续读取判断
func (a *RodAdapter) waitResults(ctx context.Context) {
	var sels []string
	for _, s := range []string{a.profile.ResultsReady, a.profile.LoginMarker} {
		if strings.TrimSpace(s) != "" {
			sels = append(sels, s)
		}
	}
	if len(sels) == 0 || a.page == nil {
		return
	}
	if _, err := a.page.Context(ctx).Timeout(a.opts.ElementTimeout).Element(strings.Join(sels, ", ")); err != nil {
		log.Debug().Err(err).Str("site", a.profile.Name).Msg("等待结果区超时")
	}
}

func (a *RodAdapter) settle(ctx context.Context) {
	t := time.NewTimer(a.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (a *RodAdapter) document(ctx context.Context) (*goquery.Document, error) {
	page, err := a.requirePage()
	if err != nil {
		return nil, err
	}
	html, err := page.Context(ctx).Timeout(a.opts.ElementTimeout).HTML()
	if err != nil {
		return nil, fmt.Errorf("读取页面失败: %w", err)
	}
	return ParseDocument(html)
}

// NeedsLogin 页面上是否出现登录框
func (a *RodAdapter) NeedsLogin(ctx context.Context) (bool, error) {
	if strings.TrimSpace(a.profile.LoginMarker) == "" {
		return false, nil
	}
	doc, err := a.document(ctx)
	if err != nil {
		return false, err
	}
	return HasMatch(doc, a.profile.LoginMarker), nil
}

// ResultCount 读取结果数量,命中拦截特征时返回提取失败
func (a *RodAdapter) ResultCount(ctx context.Context) (int, error) {
	doc, err := a.document(ctx)
	if err != nil {
		return 0, err
	}
	if blocked, pattern := a.blocks.Detect(cleanText(doc.Text())); blocked {
		return 0, fmt.Errorf("%w: 页面疑似被拦截 (%s)", models.ErrExtraction, pattern)
	}
	return ExtractResultCount(doc, a.profile)
}

// ExtractRows 提取当前视图的结果行
func (a *RodAdapter) ExtractRows(ctx context.Context) ([]models.Candidate, error) {
	doc, err := a.document(ctx)
	if err != nil {
		return nil, err
	}
	return ExtractCandidates(doc, a.profile)
}

// SetFilters 逐个检查筛选复选框,只点击状态不一致的
func (a *RodAdapter) SetFilters(ctx context.Context, on bool) error {
	page, err := a.requirePage()
	if err != nil {
		return err
	}
	p := page.Context(ctx)

	changed := false
	for _, sel := range a.profile.FilterCheckboxes {
		el, err := p.Timeout(a.opts.ElementTimeout).Element(sel)
		if err != nil {
			return fmt.Errorf("%w: 未找到筛选项 %s", models.ErrExtraction, sel)
		}
		el = el.CancelTimeout()

		if checkboxState(el) == on {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("%w: 点击筛选项 %s 失败: %w", models.ErrExtraction, sel, err)
		}
		a.settle(ctx)
		if checkboxState(el) != on {
			return fmt.Errorf("%w: 筛选项 %s 状态未改变", models.ErrExtraction, sel)
		}
		changed = true
	}

	if changed {
		a.waitResults(ctx)
	}
	return nil
}

func checkboxState(el *rod.Element) bool {
	v, err := el.Property("checked")
	if err != nil {
		return false
	}
	return v.Bool()
}
