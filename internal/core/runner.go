package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/browser"
	"github.com/RecoveryAshes/GameCompliance/internal/metrics"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/schollz/progressbar/v3"
)

const (
	// DefaultCheckpointEvery 每处理多少条保存一次
	DefaultCheckpointEvery = 5

	maxErrorReasonLen = 120
	finalizeTimeout   = 30 * time.Second
)

// RecordProcessor 单条记录处理
type RecordProcessor interface {
	Process(ctx context.Context, rec models.WorkRecord) (models.MatchResult, error)
	// ResetSession 绑定新会话后清空页面相关状态
	ResetSession()
}

// ResultSink 结果表格
type ResultSink interface {
	Path() string
	// Resumed 输出文件在本次运行前已存在
	Resumed() bool
	SetResult(rec models.WorkRecord, r models.MatchResult) error
	Save() error
	DumpFallback() (string, error)
}

// Session 批处理期间独占的浏览器会话
type Session interface {
	// Ensure 保证会话可用,返回是否新启动
	Ensure(ctx context.Context) (bool, error)
	// Reset 丢弃会话,下次 Ensure 时重建
	Reset()
	Release()
}

// Sweeper 清理残留浏览器进程与profile目录
type Sweeper interface {
	Sweep(ctx context.Context) (browser.SweepReport, error)
}

// PauseNotifier 暂停前回调,用于先落盘再等待人工处理
type PauseNotifier interface {
	SetOnPause(fn func(reason models.PauseReason, detail string))
}

// RunnerOptions 批处理参数
type RunnerOptions struct {
	RunID     string
	Target    string
	InputPath string
	// StartIndex 小于0时从检查点续跑
	StartIndex      int
	CheckpointEvery int
	DelayMin        time.Duration
	DelayMax        time.Duration
	ShowProgress    bool
}

// RunnerDeps 批处理依赖
type RunnerDeps struct {
	Records   []models.WorkRecord
	Sink      ResultSink
	Processor RecordProcessor
	Session   Session
	Sweeper   Sweeper       // 可为空
	Guard     PauseNotifier // 可为空
	Metrics   *metrics.Recorder
}

// Runner 带检查点的批处理
// 状态: init → running → (paused ⇄ running) → completed | aborted | failed
type Runner struct {
	opts RunnerOptions
	deps RunnerDeps

	progress models.BatchProgress
	stats    models.BatchStats

	sinceSave  int
	saveFailed bool
	launched   bool
	createdAt  time.Time

	// mu 保护 cancel 以及对 progress 的写入;progress 只在运行协程中修改
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// NewRunner 创建批处理
func NewRunner(opts RunnerOptions, deps RunnerDeps) *Runner {
	if opts.RunID == "" {
		opts.RunID = models.NewRunID()
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = DefaultCheckpointEvery
	}
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	return &Runner{
		opts: opts,
		deps: deps,
		progress: models.BatchProgress{
			RunID:      opts.RunID,
			TotalCount: len(deps.Records),
			Status:     models.BatchStatusInit,
		},
	}
}

// Stop 请求停止: 不再开始新记录,等待中的人工确认返回 false
// 可在任意协程调用,可重复调用
func (r *Runner) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	utils.Warn("收到停止请求,保存进度后退出")
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Progress 当前进度快照,可在任意协程调用
func (r *Runner) Progress() models.BatchProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// updateProgress 在锁内修改进度
func (r *Runner) updateProgress(fn func(p *models.BatchProgress)) {
	r.mu.Lock()
	fn(&r.progress)
	r.mu.Unlock()
}

// Run 执行批处理
// 返回的报告总是非空;用户终止返回 ErrUserAbort,驱动不可用返回 ErrDriverUnavailable,
// 结果最终未能保存返回 ErrPersistence
func (r *Runner) Run(ctx context.Context) (*models.BatchReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.stopped.Load() {
		cancel()
	}

	startTime := time.Now()
	start := r.resolveStartIndex()
	r.updateProgress(func(p *models.BatchProgress) { p.CurrentIndex = start })

	report := &models.BatchReport{
		RunID:      r.opts.RunID,
		Target:     r.opts.Target,
		InputPath:  r.opts.InputPath,
		OutputPath: r.deps.Sink.Path(),
		StartIndex: start,
		StartTime:  startTime,
	}

	utils.Infof("🚀 开始批处理: 目标=%s, 共%d条, 从第%d条开始", r.opts.Target, r.progress.TotalCount, start+1)
	utils.Infof("输出文件: %s", r.deps.Sink.Path())

	r.sweep(ctx)
	if r.deps.Guard != nil {
		r.deps.Guard.SetOnPause(r.onPause)
	}
	r.setStatus(models.BatchStatusRunning)

	var bar *progressbar.ProgressBar
	if r.opts.ShowProgress && start < r.progress.TotalCount {
		bar = utils.NewProgressBar(r.progress.TotalCount-start, "匹配中")
	}

	runErr := r.loop(ctx, start, bar)
	if bar != nil {
		_ = bar.Finish()
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer finalCancel()
	r.deps.Session.Release()
	r.sweep(finalCtx)

	switch {
	case runErr == nil:
		r.setStatus(models.BatchStatusCompleted)
	case models.IsUserAbort(runErr):
		r.setStatus(models.BatchStatusAborted)
	default:
		r.setStatus(models.BatchStatusFailed)
	}
	r.updateProgress(func(p *models.BatchProgress) { p.Paused = false })
	r.persist("结束")

	if r.saveFailed {
		fallback, err := r.deps.Sink.DumpFallback()
		if err != nil {
			utils.Errorf("写入备份文件失败: %v", err)
		} else {
			utils.Warnf("结果已写入备份文件: %s", fallback)
		}
		persistErr := fmt.Errorf("%w: %s", models.ErrPersistence, r.deps.Sink.Path())
		if runErr == nil {
			runErr = persistErr
		} else {
			runErr = errors.Join(runErr, persistErr)
		}
	}

	r.stats.Duration = time.Since(startTime).Seconds()
	report.Progress = r.progress
	report.Stats = r.stats
	report.EndTime = time.Now()
	if runErr != nil {
		report.Error = runErr.Error()
	}

	if path, err := utils.NewReporter(r.deps.Sink.Path()).GenerateReport(report); err != nil {
		utils.Warnf("生成报告失败: %v", err)
	} else {
		utils.Debugf("报告已保存: %s", path)
	}
	utils.PrintSummary(report)

	return report, runErr
}

// resolveStartIndex 命令行指定优先,其次是已有输出文件的检查点,否则从头开始
func (r *Runner) resolveStartIndex() int {
	total := r.progress.TotalCount
	start := 0

	switch {
	case r.opts.StartIndex >= 0:
		start = r.opts.StartIndex
		utils.Infof("使用指定的起始位置: %d", start)
	case r.deps.Sink.Resumed():
		cp, err := models.LoadCheckpointFromFile(models.CheckpointFilename(r.deps.Sink.Path()))
		switch {
		case err == nil:
			start = cp.CurrentGameIndex
			r.createdAt = cp.CreatedAt
			utils.Infof("从检查点恢复: 已完成 %d/%d (上次状态 %s)", cp.CurrentGameIndex, cp.TotalCount, cp.Status)
		case errors.Is(err, os.ErrNotExist):
			utils.Warnf("输出文件已存在但没有检查点,从头开始")
		default:
			utils.Warnf("读取检查点失败,从头开始: %v", err)
		}
	}

	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	return start
}

func (r *Runner) loop(ctx context.Context, start int, bar *progressbar.ProgressBar) error {
	total := r.progress.TotalCount

	for i := start; i < total; i++ {
		if err := r.stopErr(ctx); err != nil {
			return err
		}
		rec := r.deps.Records[i]

		fresh, err := r.deps.Session.Ensure(ctx)
		if err != nil {
			if stopErr := r.stopErr(ctx); stopErr != nil {
				return stopErr
			}
			utils.Errorf("浏览器会话不可用: %v", err)
			return err
		}
		if fresh {
			r.deps.Processor.ResetSession()
			if r.launched {
				r.stats.SessionResets++
			}
			r.launched = true
		}

		result, err := r.deps.Processor.Process(ctx, rec)
		if models.IsUserAbort(err) {
			return err
		}
		// 处理中途收到停止时本条结果不完整,不写入也不推进检查点
		if stopErr := r.stopErr(ctx); stopErr != nil {
			return stopErr
		}

		forceSave := false
		switch {
		case err == nil:
		case errors.Is(err, models.ErrSessionLost):
			utils.Warnf("记录 %s 处理时浏览器会话失效,下一条重建会话: %v", rec, err)
			r.deps.Session.Reset()
			if !result.NeedsManualReview {
				result.MarkReview(models.TruncateReason(err.Error(), maxErrorReasonLen))
			}
			r.stats.Errors++
			forceSave = true
		default:
			recErr := &models.RecordError{Index: rec.Index, Key: rec.PrimaryKey, Cause: err}
			utils.Errorf("%v", recErr)
			result.MarkReview(models.TruncateReason(err.Error(), maxErrorReasonLen))
			r.stats.Errors++
			forceSave = true
		}

		if err := r.deps.Sink.SetResult(rec, result); err != nil {
			utils.Errorf("写入记录 %s 失败: %v", rec, err)
			r.stats.Errors++
		}
		r.stats.Record(result)
		r.updateProgress(func(p *models.BatchProgress) {
			p.Advance(i)
			p.Paused = false
			p.PauseReason = ""
		})
		r.setStatus(models.BatchStatusRunning)
		r.deps.Metrics.Progress(r.progress.CurrentIndex, total)
		if bar != nil {
			_ = bar.Add(1)
		}

		r.sinceSave++
		if forceSave || r.sinceSave >= r.opts.CheckpointEvery || i == total-1 {
			r.persist(fmt.Sprintf("第%d条", i+1))
		}

		if i < total-1 && !r.pace(ctx) {
			return r.stopErr(ctx)
		}
	}
	return nil
}

// stopErr 停止请求或ctx结束时返回终止错误
func (r *Runner) stopErr(ctx context.Context) error {
	if r.stopped.Load() {
		return fmt.Errorf("%w: 收到停止请求", models.ErrUserAbort)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrUserAbort, err)
	}
	return nil
}

// pace 记录间隔,返回 false 表示等待期间收到停止
func (r *Runner) pace(ctx context.Context) bool {
	d := jitter(r.opts.DelayMin, r.opts.DelayMax)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// jitter 返回 [lo, hi] 内的随机时长
func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// onPause 等待人工处理前先保存
func (r *Runner) onPause(reason models.PauseReason, detail string) {
	r.stats.Pauses++
	r.updateProgress(func(p *models.BatchProgress) {
		p.Paused = true
		p.PauseReason = string(reason)
	})
	r.setStatus(models.BatchStatusPaused)
	utils.Warnf("⏸ %s", reason.Describe())
	if detail != "" {
		utils.Warnf("详情: %s", detail)
	}
	r.persist("暂停")
}

func (r *Runner) setStatus(s models.BatchStatus) {
	if r.progress.Status != s {
		utils.Debugf("批处理状态: %s → %s", r.progress.Status, s)
	}
	r.updateProgress(func(p *models.BatchProgress) { p.Status = s })
}

// persist 保存输出表格与检查点
// 失败时记录并在下次保存时重试
func (r *Runner) persist(trigger string) {
	r.sinceSave = 0
	if err := r.deps.Sink.Save(); err != nil {
		r.saveFailed = true
		r.stats.SaveFailures++
		r.deps.Metrics.Checkpoint(false)
		utils.Errorf("保存结果失败(%s),将在下次保存时重试: %v", trigger, err)
		return
	}
	r.saveFailed = false
	r.stats.Checkpoints++
	r.deps.Metrics.Checkpoint(true)

	now := time.Now()
	if r.createdAt.IsZero() {
		r.createdAt = now
	}
	cp := &models.Checkpoint{
		RunID:            r.opts.RunID,
		Target:           r.opts.Target,
		InputPath:        r.opts.InputPath,
		OutputPath:       r.deps.Sink.Path(),
		CurrentGameIndex: r.progress.CurrentIndex,
		TotalCount:       r.progress.TotalCount,
		Status:           r.progress.Status,
		PauseReason:      r.progress.PauseReason,
		CreatedAt:        r.createdAt,
		UpdatedAt:        now,
	}
	if err := cp.SaveToFile(models.CheckpointFilename(r.deps.Sink.Path())); err != nil {
		utils.Warnf("写入检查点失败: %v", err)
		return
	}
	utils.Debugf("💾 已保存(%s): %d/%d", trigger, r.progress.CurrentIndex, r.progress.TotalCount)
}

func (r *Runner) sweep(ctx context.Context) {
	if r.deps.Sweeper == nil {
		return
	}
	report, err := r.deps.Sweeper.Sweep(ctx)
	if err != nil {
		utils.Warnf("清理残留浏览器失败: %v", err)
		return
	}
	utils.Debugf("清理残留浏览器: %+v", report)
}
