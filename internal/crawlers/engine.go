package crawlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/metrics"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultCaptureAttempts 单次采集最多尝试次数
const DefaultCaptureAttempts = 3

const maxReasonLen = 120

// 复核原因
const (
	reasonPaused      = "反爬暂停,结果可能不完整"
	reasonNoMatch     = "没有名称一致的结果"
	reasonAmbiguous   = "多条名称一致的结果,已取第一条"
	reasonNoResult    = "未查询到结果"
	reasonSessionLost = "浏览器会话异常"
)

// EngineOptions 引擎参数
type EngineOptions struct {
	CaptureAttempts int
	// UseFilters 站点没有筛选项时为 false,只做一次采集
	UseFilters bool
}

// Engine 单条记录的查询与匹配
// 只在批处理的单一工作协程中使用
type Engine struct {
	adapter TargetAdapter
	guard   *AntiBotGuard
	opts    EngineOptions
	metrics *metrics.Recorder

	state    models.FilterViewState
	searched bool
}

// NewEngine 创建引擎
func NewEngine(adapter TargetAdapter, guard *AntiBotGuard, opts EngineOptions, rec *metrics.Recorder) *Engine {
	if opts.CaptureAttempts <= 0 {
		opts.CaptureAttempts = DefaultCaptureAttempts
	}
	return &Engine{
		adapter: adapter,
		guard:   guard,
		opts:    opts,
		metrics: rec,
	}
}

// ResetSession 绑定新的浏览器会话后调用
func (e *Engine) ResetSession() {
	e.searched = false
	e.setState(models.Unfiltered)
}

// FilterState 当前视图状态
func (e *Engine) FilterState() models.FilterViewState {
	return e.state
}

func (e *Engine) setState(s models.FilterViewState) {
	e.state = s
	e.metrics.FilterState(s == models.Filtered)
}

// viewCapture 一次视图采集
type viewCapture struct {
	count int
	cands []models.Candidate
}

// Process 处理一条记录
// 返回的错误只有三类: 用户终止、ctx 取消、会话失效;其余失败都体现在结果的复核标记中
func (e *Engine) Process(ctx context.Context, rec models.WorkRecord) (result models.MatchResult, err error) {
	result = models.NewMatchResult()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("record", rec.String()).Interface("panic", r).Msg("处理记录时浏览器异常")
			result.MarkReview(models.TruncateReason(fmt.Sprintf("%s: %v", reasonSessionLost, r), maxReasonLen))
			e.ResetSession()
			err = fmt.Errorf("%w: %v", models.ErrSessionLost, r)
		}
		e.metrics.RecordOutcome(outcomeLabel(result, err), time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if navErr := e.search(ctx, rec.PrimaryKey); navErr != nil {
		if errors.Is(navErr, models.ErrUserAbort) || ctx.Err() != nil {
			return result, navErr
		}
		log.Warn().Str("record", rec.String()).Err(navErr).Msg("搜索失败,跳过本条")
		result.MarkReview(models.TruncateReason(navErr.Error(), maxReasonLen))
		return result, nil
	}

	capture, kind, reason, err := e.reconcile(ctx)
	if err != nil {
		return result, err
	}

	switch kind {
	case models.StepRetryable:
		result.MarkReview(models.TruncateReason(reason, maxReasonLen))
		return result, nil
	case models.StepPaused:
		result = Disambiguate(capture.cands, rec.PrimaryKey, rec.AuxiliaryKey)
		result.ResultCount = capture.count
		result.MarkReview(reasonPaused)
		e.setState(e.state.AfterPause())
		return result, nil
	}

	result = Disambiguate(capture.cands, rec.PrimaryKey, rec.AuxiliaryKey)
	result.ResultCount = capture.count
	log.Debug().
		Str("record", rec.String()).
		Int("count", capture.count).
		Str("owner", result.MatchedOwner).
		Bool("review", result.NeedsManualReview).
		Str("filter", e.state.String()).
		Msg("记录处理完成")
	return result, nil
}

func outcomeLabel(r models.MatchResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case r.NeedsManualReview:
		return "review"
	default:
		return "matched"
	}
}

// search 首条记录走URL,之后优先使用搜索框,失败回退URL
// 返回的错误包装 ErrNavigation,不计入反爬计数
func (e *Engine) search(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: 查询关键字为空", models.ErrNavigation)
	}

	if err := e.navigate(ctx, key); err != nil {
		return err
	}

	needsLogin, err := e.adapter.NeedsLogin(ctx)
	if err != nil || !needsLogin {
		return nil
	}

	if err := e.guard.RequestLogin(ctx, fmt.Sprintf("站点 %s 要求登录", e.adapter.Name())); err != nil {
		return err
	}
	e.setState(models.Unfiltered)

	if err := e.adapter.SearchByURL(ctx, key); err != nil {
		return fmt.Errorf("%w: 登录后重新搜索失败: %w", models.ErrNavigation, err)
	}
	if still, _ := e.adapter.NeedsLogin(ctx); still {
		return fmt.Errorf("%w: 登录后页面仍要求登录", models.ErrNavigation)
	}
	return nil
}

func (e *Engine) navigate(ctx context.Context, key string) error {
	if !e.searched {
		if err := e.adapter.SearchByURL(ctx, key); err != nil {
			return fmt.Errorf("%w: %w", models.ErrNavigation, err)
		}
		e.searched = true
		return nil
	}

	inputErr := e.adapter.SearchByInput(ctx, key)
	if inputErr == nil {
		return nil
	}
	log.Debug().Err(inputErr).Msg("搜索框不可用,改用URL搜索")

	if err := e.adapter.SearchByURL(ctx, key); err != nil {
		return fmt.Errorf("%w: 搜索框: %v; URL: %w", models.ErrNavigation, inputErr, err)
	}
	return nil
}

// reconcile 按视图状态采集结果并更新状态
func (e *Engine) reconcile(ctx context.Context) (viewCapture, models.StepKind, string, error) {
	if !e.opts.UseFilters {
		r, err := e.capture(ctx)
		return r.Value, r.Kind, r.Reason, err
	}

	if e.state == models.Filtered {
		return e.reconcileFiltered(ctx)
	}
	return e.reconcileUnfiltered(ctx)
}

func (e *Engine) reconcileFiltered(ctx context.Context) (viewCapture, models.StepKind, string, error) {
	filtered, err := e.capture(ctx)
	if err != nil {
		return viewCapture{}, 0, "", err
	}
	if !filtered.IsOk() {
		return filtered.Value, filtered.Kind, filtered.Reason, nil
	}
	if filtered.Value.count >= 1 {
		e.setState(e.state.AfterFilteredCapture(filtered.Value.count))
		return filtered.Value, models.StepOk, "", nil
	}

	// 筛选视图无结果,取消筛选后无论结果如何都进入未筛选状态
	off, err := e.setFilters(ctx, false)
	e.setState(e.state.AfterFilteredCapture(0))
	if err != nil {
		return viewCapture{}, 0, "", err
	}
	if !off.IsOk() {
		return filtered.Value, off.Kind, off.Reason, nil
	}

	unfiltered, err := e.capture(ctx)
	if err != nil {
		return viewCapture{}, 0, "", err
	}
	return unfiltered.Value, unfiltered.Kind, unfiltered.Reason, nil
}

func (e *Engine) reconcileUnfiltered(ctx context.Context) (viewCapture, models.StepKind, string, error) {
	fallback, err := e.capture(ctx)
	if err != nil {
		return viewCapture{}, 0, "", err
	}
	if !fallback.IsOk() {
		return fallback.Value, fallback.Kind, fallback.Reason, nil
	}
	// 时间筛选只会缩小结果集,未筛选为0时跳过筛选,状态保持未筛选
	if fallback.Value.count == 0 {
		return fallback.Value, models.StepOk, "", nil
	}

	on, err := e.setFilters(ctx, true)
	if err != nil {
		return viewCapture{}, 0, "", err
	}
	switch on.Kind {
	case models.StepPaused:
		return fallback.Value, models.StepPaused, on.Reason, nil
	case models.StepRetryable:
		// 筛选项不可用,本条使用未筛选结果;页面状态不确定时尝试复位
		e.restoreUnfiltered(ctx)
		return fallback.Value, models.StepOk, "", nil
	}

	filtered, err := e.capture(ctx)
	if err != nil {
		return viewCapture{}, 0, "", err
	}
	if filtered.Kind == models.StepPaused {
		return fallback.Value, models.StepPaused, filtered.Reason, nil
	}
	if filtered.IsOk() && filtered.Value.count >= 1 {
		e.setState(models.Filtered)
		return filtered.Value, models.StepOk, "", nil
	}

	// 放弃筛选结果,页面也要回到未筛选视图
	off, err := e.setFilters(ctx, false)
	if err != nil {
		return viewCapture{}, 0, "", err
	}
	e.setState(models.Unfiltered)
	if off.Kind == models.StepPaused {
		return fallback.Value, models.StepPaused, off.Reason, nil
	}
	return fallback.Value, models.StepOk, "", nil
}

func (e *Engine) restoreUnfiltered(ctx context.Context) {
	if err := e.adapter.SetFilters(ctx, false); err != nil {
		log.Debug().Err(err).Msg("复位筛选项失败")
	}
	e.setState(models.Unfiltered)
}

// capture 读取当前视图的数量与结果行
func (e *Engine) capture(ctx context.Context) (models.StepResult[viewCapture], error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.CaptureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.StepResult[viewCapture]{}, err
		}

		v, err := e.captureOnce(ctx)
		if err == nil {
			e.guard.RecordSuccess()
			return models.Ok(v), nil
		}
		lastErr = err
		// 停止或超时导致的失败不计入反爬
		if cerr := ctx.Err(); cerr != nil {
			return models.StepResult[viewCapture]{}, cerr
		}

		verdict, gerr := e.guard.CheckAntiCrawl(ctx, err.Error())
		if gerr != nil {
			return models.StepResult[viewCapture]{}, gerr
		}
		if verdict == VerdictResumed {
			return models.Paused[viewCapture](err.Error()), nil
		}
	}
	return models.Retryable[viewCapture](lastErr.Error()), nil
}

func (e *Engine) captureOnce(ctx context.Context) (viewCapture, error) {
	count, err := e.adapter.ResultCount(ctx)
	if err != nil {
		return viewCapture{}, ensureExtraction(err)
	}
	if count <= 0 {
		return viewCapture{}, nil
	}

	cands, err := e.adapter.ExtractRows(ctx)
	if err != nil {
		return viewCapture{}, ensureExtraction(err)
	}
	if len(cands) == 0 {
		return viewCapture{}, fmt.Errorf("%w: 结果数量为%d但未提取到结果行", models.ErrExtraction, count)
	}
	return viewCapture{count: count, cands: cands}, nil
}

func (e *Engine) setFilters(ctx context.Context, on bool) (models.StepResult[struct{}], error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.CaptureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.StepResult[struct{}]{}, err
		}

		err := e.adapter.SetFilters(ctx, on)
		if err == nil {
			e.guard.RecordSuccess()
			return models.Ok(struct{}{}), nil
		}
		lastErr = err
		if cerr := ctx.Err(); cerr != nil {
			return models.StepResult[struct{}]{}, cerr
		}

		verdict, gerr := e.guard.CheckAntiCrawl(ctx, fmt.Sprintf("设置筛选项(%v)失败: %v", on, err))
		if gerr != nil {
			return models.StepResult[struct{}]{}, gerr
		}
		if verdict == VerdictResumed {
			return models.Paused[struct{}](err.Error()), nil
		}
	}
	return models.Retryable[struct{}](lastErr.Error()), nil
}

func ensureExtraction(err error) error {
	if errors.Is(err, models.ErrExtraction) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrExtraction, err)
}

// Disambiguate 从候选结果中选出匹配项,结果只取决于候选顺序
func Disambiguate(cands []models.Candidate, primaryKey, auxiliaryKey string) models.MatchResult {
	result := models.NewMatchResult()
	if len(cands) == 0 {
		result.MarkReview(reasonNoResult)
		return result
	}

	primary := models.CanonicalShortName(primaryKey)
	aux := strings.TrimSpace(auxiliaryKey)

	if aux != "" {
		for _, c := range cands {
			if strings.TrimSpace(c.Owner) != aux {
				continue
			}
			result.MatchedOwner = strings.TrimSpace(c.Owner)
			result.OperatorMatches = true
			result.NameMatches = models.CanonicalShortName(c.ShortName) == primary
			result.NeedsManualReview = false
			return result
		}
	}

	var named []models.Candidate
	for _, c := range cands {
		if models.CanonicalShortName(c.ShortName) == primary {
			named = append(named, c)
		}
	}

	switch len(named) {
	case 0:
		result.MarkReview(reasonNoMatch)
	case 1:
		result.MatchedOwner = strings.TrimSpace(named[0].Owner)
		result.NameMatches = true
		result.NeedsManualReview = false
	default:
		result.MatchedOwner = strings.TrimSpace(named[0].Owner)
		result.NameMatches = true
		result.MarkReview(reasonAmbiguous)
	}
	return result
}
