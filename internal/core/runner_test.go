package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
)

// memorySink 内存中的结果表,保存时把当前结果复制为快照
type memorySink struct {
	path    string
	resumed bool

	rows     map[int]models.MatchResult
	saved    map[int]models.MatchResult
	saveErrs []error // 依次返回,用完后成功
	saves    int
	fallback int
}

func newMemorySink(dir string) *memorySink {
	return &memorySink{
		path:  filepath.Join(dir, "games_copyright_result.xlsx"),
		rows:  make(map[int]models.MatchResult),
		saved: make(map[int]models.MatchResult),
	}
}

func (s *memorySink) Path() string  { return s.path }
func (s *memorySink) Resumed() bool { return s.resumed }

func (s *memorySink) SetResult(rec models.WorkRecord, r models.MatchResult) error {
	s.rows[rec.RowID] = r
	return nil
}

func (s *memorySink) Save() error {
	s.saves++
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	s.saved = make(map[int]models.MatchResult, len(s.rows))
	for k, v := range s.rows {
		s.saved[k] = v
	}
	return nil
}

func (s *memorySink) DumpFallback() (string, error) {
	s.fallback++
	return filepath.Join(filepath.Dir(s.path), "fallback.xlsx"), nil
}

// scriptedProcessor 结果只由记录决定;errs 按下标注入错误
type scriptedProcessor struct {
	errs   map[int]error
	before func(i int)

	calls  []int
	resets int
}

func (p *scriptedProcessor) Process(ctx context.Context, rec models.WorkRecord) (models.MatchResult, error) {
	p.calls = append(p.calls, rec.Index)
	if p.before != nil {
		p.before(rec.Index)
	}
	result := models.MatchResult{
		MatchedOwner:    "owner-" + rec.PrimaryKey,
		NameMatches:     true,
		OperatorMatches: rec.Index%2 == 0,
		ResultCount:     rec.Index + 1,
	}
	result.NeedsManualReview = !result.OperatorMatches
	if err, ok := p.errs[rec.Index]; ok {
		fallback := models.NewMatchResult()
		if errors.Is(err, models.ErrSessionLost) {
			fallback.MarkReview("浏览器会话异常")
		}
		return fallback, err
	}
	return result, nil
}

func (p *scriptedProcessor) ResetSession() { p.resets++ }

type fakeSession struct {
	ensureErr error
	live      bool
	launches  int
	resets    int
	releases  int
}

func (s *fakeSession) Ensure(ctx context.Context) (bool, error) {
	if s.ensureErr != nil {
		return false, s.ensureErr
	}
	if s.live {
		return false, nil
	}
	s.live = true
	s.launches++
	return true, nil
}

func (s *fakeSession) Reset()   { s.live = false; s.resets++ }
func (s *fakeSession) Release() { s.live = false; s.releases++ }

type hookGuard struct {
	mu sync.Mutex
	fn func(models.PauseReason, string)
}

func (g *hookGuard) SetOnPause(fn func(models.PauseReason, string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fn = fn
}

func (g *hookGuard) fire(reason models.PauseReason) {
	g.mu.Lock()
	fn := g.fn
	g.mu.Unlock()
	fn(reason, "test")
}

func makeRecords(n int) []models.WorkRecord {
	recs := make([]models.WorkRecord, n)
	for i := range recs {
		recs[i] = models.WorkRecord{
			Index:        i,
			RowID:        i + 2,
			PrimaryKey:   fmt.Sprintf("游戏%d", i),
			AuxiliaryKey: "某某网络科技有限公司",
		}
	}
	return recs
}

func newTestRunner(records []models.WorkRecord, sink *memorySink, proc *scriptedProcessor, sess *fakeSession) *Runner {
	return NewRunner(RunnerOptions{
		Target:          "copyright",
		InputPath:       "games.xlsx",
		StartIndex:      -1,
		CheckpointEvery: 5,
	}, RunnerDeps{
		Records:   records,
		Sink:      sink,
		Processor: proc,
		Session:   sess,
	})
}

func loadCheckpoint(t *testing.T, sink *memorySink) *models.Checkpoint {
	t.Helper()
	cp, err := models.LoadCheckpointFromFile(models.CheckpointFilename(sink.Path()))
	if err != nil {
		t.Fatalf("读取检查点失败: %v", err)
	}
	return cp
}

func TestRunner_Completes(t *testing.T) {
	sink := newMemorySink(t.TempDir())
	proc := &scriptedProcessor{}
	sess := &fakeSession{}

	report, err := newTestRunner(makeRecords(7), sink, proc, sess).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() 失败: %v", err)
	}

	if report.Progress.Status != models.BatchStatusCompleted {
		t.Errorf("Status = %s", report.Progress.Status)
	}
	if len(sink.saved) != 7 {
		t.Errorf("已保存 %d 行, want 7", len(sink.saved))
	}
	// 第5条、最后一条、结束时各保存一次
	if sink.saves != 3 {
		t.Errorf("保存次数 = %d, want 3", sink.saves)
	}
	if report.Stats.Processed != 7 || report.Stats.Matched != 4 || report.Stats.NeedsReview != 3 {
		t.Errorf("统计不符: %+v", report.Stats)
	}
	if sess.launches != 1 || sess.releases != 1 {
		t.Errorf("会话启动 %d 次, 释放 %d 次", sess.launches, sess.releases)
	}
	if proc.resets != 1 {
		t.Errorf("ResetSession 调用 %d 次", proc.resets)
	}

	cp := loadCheckpoint(t, sink)
	if cp.CurrentGameIndex != 7 || cp.Status != models.BatchStatusCompleted {
		t.Errorf("检查点 = %+v", cp)
	}
}

func TestRunner_ResumeMatchesUninterrupted(t *testing.T) {
	records := makeRecords(8)

	// 不中断的参照运行
	refSink := newMemorySink(t.TempDir())
	if _, err := newTestRunner(records, refSink, &scriptedProcessor{}, &fakeSession{}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, stopAfter := range []int{0, 2, 4, 6} {
		t.Run(fmt.Sprintf("第%d条后停止", stopAfter+1), func(t *testing.T) {
			sink := newMemorySink(t.TempDir())

			var runner *Runner
			proc := &scriptedProcessor{}
			// 在下一条记录处理途中停止
			proc.before = func(i int) {
				if i == stopAfter+1 {
					runner.Stop()
				}
			}
			runner = newTestRunner(records, sink, proc, &fakeSession{})
			report, err := runner.Run(context.Background())
			if !models.IsUserAbort(err) {
				t.Fatalf("期望用户终止, 实际 %v", err)
			}
			if report.Progress.Status != models.BatchStatusAborted {
				t.Errorf("Status = %s", report.Progress.Status)
			}
			// 处理途中被停止的记录不写入
			if cp := loadCheckpoint(t, sink); cp.CurrentGameIndex != stopAfter+1 {
				t.Errorf("检查点位置 = %d, want %d", cp.CurrentGameIndex, stopAfter+1)
			}
			if len(sink.saved) != stopAfter+1 {
				t.Errorf("停止时已保存 %d 行, want %d", len(sink.saved), stopAfter+1)
			}

			// 续跑
			sink.resumed = true
			resumeProc := &scriptedProcessor{}
			if _, err := newTestRunner(records, sink, resumeProc, &fakeSession{}).Run(context.Background()); err != nil {
				t.Fatalf("续跑失败: %v", err)
			}
			if resumeProc.calls[0] != stopAfter+1 {
				t.Errorf("续跑从 %d 开始, want %d", resumeProc.calls[0], stopAfter+1)
			}
			if !reflect.DeepEqual(sink.saved, refSink.saved) {
				t.Errorf("续跑结果与不中断运行不一致")
			}
		})
	}
}

func TestRunner_StartIndexOverridesCheckpoint(t *testing.T) {
	sink := newMemorySink(t.TempDir())
	sink.resumed = true
	cp := &models.Checkpoint{CurrentGameIndex: 4, TotalCount: 6}
	if err := cp.SaveToFile(models.CheckpointFilename(sink.Path())); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		startIndex int
		wantFirst  int
	}{
		{"使用检查点", -1, 4},
		{"命令行指定", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &scriptedProcessor{}
			r := newTestRunner(makeRecords(6), sink, proc, &fakeSession{})
			r.opts.StartIndex = tt.startIndex
			report, err := r.Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if proc.calls[0] != tt.wantFirst || report.StartIndex != tt.wantFirst {
				t.Errorf("从 %d 开始, want %d", proc.calls[0], tt.wantFirst)
			}
			// 恢复检查点供下一个子测试使用
			if err := cp.SaveToFile(models.CheckpointFilename(sink.Path())); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestRunner_UserAbortFromGuard(t *testing.T) {
	sink := newMemorySink(t.TempDir())
	proc := &scriptedProcessor{errs: map[int]error{
		2: fmt.Errorf("%w: 操作员选择终止", models.ErrUserAbort),
	}}

	report, err := newTestRunner(makeRecords(5), sink, proc, &fakeSession{}).Run(context.Background())
	if !models.IsUserAbort(err) {
		t.Fatalf("期望用户终止, 实际 %v", err)
	}
	if report.Progress.Status != models.BatchStatusAborted {
		t.Errorf("Status = %s", report.Progress.Status)
	}
	// 下标2对应第4行
	if _, ok := sink.saved[4]; ok {
		t.Error("终止时的记录不应写入结果")
	}
	if len(sink.saved) != 2 {
		t.Errorf("已保存 %d 行, want 2", len(sink.saved))
	}
	if cp := loadCheckpoint(t, sink); cp.CurrentGameIndex != 2 {
		t.Errorf("检查点位置 = %d, want 2", cp.CurrentGameIndex)
	}
}

func TestRunner_RecordErrors(t *testing.T) {
	t.Run("未处理错误不中断批处理", func(t *testing.T) {
		sink := newMemorySink(t.TempDir())
		proc := &scriptedProcessor{errs: map[int]error{1: errors.New("页面结构异常")}}

		report, err := newTestRunner(makeRecords(4), sink, proc, &fakeSession{}).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if report.Stats.Errors != 1 || report.Stats.Processed != 4 {
			t.Errorf("统计不符: %+v", report.Stats)
		}
		row := sink.saved[3]
		if !row.NeedsManualReview || row.ReviewReason != "页面结构异常" {
			t.Errorf("出错记录应标记复核: %+v", row)
		}
		// 出错后立即保存
		if sink.saves < 2 {
			t.Errorf("保存次数 = %d", sink.saves)
		}
	})

	t.Run("会话失效后重建", func(t *testing.T) {
		sink := newMemorySink(t.TempDir())
		proc := &scriptedProcessor{errs: map[int]error{1: fmt.Errorf("%w: target closed", models.ErrSessionLost)}}
		sess := &fakeSession{}
		// 下一条开始前会话失效的记录应已落盘
		var persistedBeforeNext bool
		proc.before = func(i int) {
			if i == 2 {
				row, ok := sink.saved[3]
				persistedBeforeNext = ok && row.NeedsManualReview
			}
		}

		report, err := newTestRunner(makeRecords(4), sink, proc, sess).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if sess.resets != 1 || sess.launches != 2 {
			t.Errorf("会话重置 %d 次, 启动 %d 次", sess.resets, sess.launches)
		}
		if proc.resets != 2 || report.Stats.SessionResets != 1 {
			t.Errorf("ResetSession %d 次, SessionResets=%d", proc.resets, report.Stats.SessionResets)
		}
		if !sink.saved[3].NeedsManualReview {
			t.Error("会话失效的记录应标记复核")
		}
		if report.Stats.Errors != 1 {
			t.Errorf("Errors = %d, want 1", report.Stats.Errors)
		}
		if len(proc.calls) != 4 {
			t.Errorf("处理了 %d 条", len(proc.calls))
		}
		if !persistedBeforeNext {
			t.Error("会话失效的记录应在处理下一条前保存")
		}
	})

	t.Run("驱动不可用", func(t *testing.T) {
		sink := newMemorySink(t.TempDir())
		sess := &fakeSession{ensureErr: fmt.Errorf("%w: 启动失败", models.ErrDriverUnavailable)}

		report, err := newTestRunner(makeRecords(3), sink, &scriptedProcessor{}, sess).Run(context.Background())
		if !errors.Is(err, models.ErrDriverUnavailable) {
			t.Fatalf("期望 ErrDriverUnavailable, 实际 %v", err)
		}
		if report.Progress.Status != models.BatchStatusFailed {
			t.Errorf("Status = %s", report.Progress.Status)
		}
		if cp := loadCheckpoint(t, sink); cp.CurrentGameIndex != 0 {
			t.Errorf("检查点位置 = %d", cp.CurrentGameIndex)
		}
	})
}

func TestRunner_PersistenceFailure(t *testing.T) {
	t.Run("下次保存时重试成功", func(t *testing.T) {
		sink := newMemorySink(t.TempDir())
		sink.saveErrs = []error{errors.New("文件被占用")}

		report, err := newTestRunner(makeRecords(7), sink, &scriptedProcessor{}, &fakeSession{}).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if report.Stats.SaveFailures != 1 || sink.fallback != 0 {
			t.Errorf("SaveFailures=%d fallback=%d", report.Stats.SaveFailures, sink.fallback)
		}
		if len(sink.saved) != 7 {
			t.Errorf("已保存 %d 行", len(sink.saved))
		}
	})

	t.Run("始终失败时写备份", func(t *testing.T) {
		sink := newMemorySink(t.TempDir())
		failure := errors.New("磁盘已满")
		sink.saveErrs = []error{failure, failure, failure, failure}

		report, err := newTestRunner(makeRecords(6), sink, &scriptedProcessor{}, &fakeSession{}).Run(context.Background())
		if !errors.Is(err, models.ErrPersistence) {
			t.Fatalf("期望 ErrPersistence, 实际 %v", err)
		}
		if sink.fallback != 1 {
			t.Errorf("备份写入 %d 次", sink.fallback)
		}
		if report.Stats.SaveFailures != 3 {
			t.Errorf("SaveFailures = %d, want 3", report.Stats.SaveFailures)
		}
		if report.Error == "" {
			t.Error("报告应包含错误")
		}
	})
}

func TestRunner_PausePersistsBeforeWaiting(t *testing.T) {
	sink := newMemorySink(t.TempDir())
	guard := &hookGuard{}

	var atPause *models.Checkpoint
	proc := &scriptedProcessor{}
	proc.before = func(i int) {
		if i == 2 {
			guard.fire(models.ReasonAntiBotSuspected)
			cp, err := models.LoadCheckpointFromFile(models.CheckpointFilename(sink.Path()))
			if err == nil {
				atPause = cp
			}
		}
	}

	r := newTestRunner(makeRecords(4), sink, proc, &fakeSession{})
	r.deps.Guard = guard
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if atPause == nil {
		t.Fatal("暂停时未保存检查点")
	}
	if atPause.Status != models.BatchStatusPaused || atPause.CurrentGameIndex != 2 {
		t.Errorf("暂停时检查点 = %+v", atPause)
	}
	if atPause.PauseReason != string(models.ReasonAntiBotSuspected) {
		t.Errorf("PauseReason = %q", atPause.PauseReason)
	}
	if report.Stats.Pauses != 1 || report.Progress.Status != models.BatchStatusCompleted {
		t.Errorf("Pauses=%d Status=%s", report.Stats.Pauses, report.Progress.Status)
	}
	if report.Progress.Paused {
		t.Error("完成后不应处于暂停状态")
	}
}

func TestRunner_StopDuringDelay(t *testing.T) {
	sink := newMemorySink(t.TempDir())
	r := newTestRunner(makeRecords(5), sink, &scriptedProcessor{}, &fakeSession{})
	r.opts.DelayMin = time.Hour
	r.opts.DelayMax = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if !models.IsUserAbort(err) {
			t.Errorf("期望用户终止, 实际 %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("等待间隔期间未响应停止")
	}
	if cp := loadCheckpoint(t, sink); cp.CurrentGameIndex != 1 {
		t.Errorf("检查点位置 = %d, want 1", cp.CurrentGameIndex)
	}
}

// stoppingProcessor 模拟处理途中收到停止: 停止后仍返回一条需复核的结果
type stoppingProcessor struct {
	scriptedProcessor
	runner *Runner
	stopAt int
}

func (p *stoppingProcessor) Process(ctx context.Context, rec models.WorkRecord) (models.MatchResult, error) {
	if rec.Index != p.stopAt {
		return p.scriptedProcessor.Process(ctx, rec)
	}
	p.calls = append(p.calls, rec.Index)
	p.runner.Stop()
	result := models.NewMatchResult()
	result.MarkReview(fmt.Sprintf("提取失败: %v", ctx.Err()))
	return result, nil
}

func TestRunner_StopDuringProcess(t *testing.T) {
	sink := newMemorySink(t.TempDir())
	proc := &stoppingProcessor{stopAt: 2}
	r := NewRunner(RunnerOptions{
		Target:          "copyright",
		InputPath:       "games.xlsx",
		StartIndex:      -1,
		CheckpointEvery: 1,
	}, RunnerDeps{
		Records:   makeRecords(5),
		Sink:      sink,
		Processor: proc,
		Session:   &fakeSession{},
	})
	proc.runner = r

	report, err := r.Run(context.Background())
	if !models.IsUserAbort(err) {
		t.Fatalf("期望用户终止, 实际 %v", err)
	}
	if _, ok := sink.saved[4]; ok {
		t.Errorf("被停止的记录不应写入: %+v", sink.saved[4])
	}
	if len(sink.saved) != 2 {
		t.Errorf("已保存 %d 行, want 2", len(sink.saved))
	}
	if cp := loadCheckpoint(t, sink); cp.CurrentGameIndex != 2 {
		t.Errorf("检查点位置 = %d, want 2", cp.CurrentGameIndex)
	}
	if report.Stats.Processed != 2 {
		t.Errorf("Processed = %d, want 2", report.Stats.Processed)
	}
}

func TestRunner_ProgressSnapshot(t *testing.T) {
	sink := newMemorySink(t.TempDir())
	proc := &scriptedProcessor{}
	r := newTestRunner(makeRecords(20), sink, proc, &fakeSession{})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			p := r.Progress()
			if p.CurrentIndex < 0 || p.CurrentIndex > p.TotalCount {
				t.Errorf("进度越界: %+v", p)
				return
			}
		}
	}()

	_, err := r.Run(context.Background())
	close(stop)
	<-done
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if p := r.Progress(); p.CurrentIndex != 20 || p.Status != models.BatchStatusCompleted {
		t.Errorf("最终进度 = %+v", p)
	}
}

func TestJitter(t *testing.T) {
	lo, hi := 3*time.Second, 5*time.Second
	for i := 0; i < 200; i++ {
		if d := jitter(lo, hi); d < lo || d > hi {
			t.Fatalf("jitter = %s, 超出 [%s, %s]", d, lo, hi)
		}
	}
	if d := jitter(hi, lo); d != hi {
		t.Errorf("区间倒置时返回下限, got %s", d)
	}
}
