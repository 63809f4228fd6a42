package crawlers

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
)

func newTestEngine(site TargetAdapter, answers ...bool) (*Engine, *AntiBotGuard, *ScriptedConfirmer) {
	confirmer := NewScriptedConfirmer(answers...)
	guard := NewAntiBotGuard(3, confirmer, nil)
	return NewEngine(site, guard, EngineOptions{UseFilters: true}, nil), guard, confirmer
}

func rec(i int, primary, aux string) models.WorkRecord {
	return models.WorkRecord{Index: i, RowID: i + 2, PrimaryKey: primary, AuxiliaryKey: aux}
}

func TestDisambiguate(t *testing.T) {
	tests := []struct {
		name    string
		cands   []models.Candidate
		primary string
		aux     string
		want    models.MatchResult
	}{
		{
			name:    "多条名称一致取第一条并复核",
			cands:   []models.Candidate{cand("Ace", "OwnerA"), cand("Ace", "OwnerB")},
			primary: "Ace",
			want:    models.MatchResult{MatchedOwner: "OwnerA", NameMatches: true, NeedsManualReview: true, ReviewReason: reasonAmbiguous},
		},
		{
			name:    "运营方与名称均一致",
			cands:   []models.Candidate{cand("Ace", "OwnerA")},
			primary: "Ace",
			aux:     "OwnerA",
			want:    models.MatchResult{MatchedOwner: "OwnerA", NameMatches: true, OperatorMatches: true},
		},
		{
			name:    "无候选",
			primary: "X",
			want:    models.MatchResult{NeedsManualReview: true, ReviewReason: reasonNoResult},
		},
		{
			name:    "运营方优先于名称",
			cands:   []models.Candidate{cand("Ace", "OwnerA"), cand("Ace 2", "OwnerB")},
			primary: "Ace",
			aux:     "OwnerB",
			want:    models.MatchResult{MatchedOwner: "OwnerB", OperatorMatches: true},
		},
		{
			name:    "空简称与占位符视为一致",
			cands:   []models.Candidate{cand("-", "OwnerA")},
			primary: "",
			aux:     "OwnerA",
			want:    models.MatchResult{MatchedOwner: "OwnerA", NameMatches: true, OperatorMatches: true},
		},
		{
			name:    "运营方不一致时按名称唯一匹配",
			cands:   []models.Candidate{cand("Ace", "OwnerA"), cand("Bee", "OwnerB")},
			primary: "Ace",
			aux:     "OwnerC",
			want:    models.MatchResult{MatchedOwner: "OwnerA", NameMatches: true},
		},
		{
			name:    "名称无一致",
			cands:   []models.Candidate{cand("Bee", "OwnerB")},
			primary: "Ace",
			want:    models.MatchResult{NeedsManualReview: true, ReviewReason: reasonNoMatch},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Disambiguate(tt.cands, tt.primary, tt.aux)
			if got != tt.want {
				t.Errorf("Disambiguate() = %+v, want %+v", got, tt.want)
			}
			for i := 0; i < 20; i++ {
				if again := Disambiguate(tt.cands, tt.primary, tt.aux); again != got {
					t.Fatalf("第%d次结果不一致: %+v", i+2, again)
				}
			}
		})
	}
}

func TestEngine_SearchStrategy(t *testing.T) {
	site := newFakeSite()
	site.unfiltered["甲"] = view(cand("甲", "公司A"))
	site.unfiltered["乙"] = view(cand("乙", "公司B"))
	engine, _, _ := newTestEngine(site)
	engine.opts.UseFilters = false

	if _, err := engine.Process(context.Background(), rec(0, "甲", "")); err != nil {
		t.Fatal(err)
	}
	if site.urlSearches != 1 || site.inputSearches != 0 {
		t.Errorf("首条记录应使用URL搜索: url=%d input=%d", site.urlSearches, site.inputSearches)
	}

	res, err := engine.Process(context.Background(), rec(1, "乙", ""))
	if err != nil {
		t.Fatal(err)
	}
	if site.inputSearches != 1 || site.urlSearches != 1 {
		t.Errorf("后续记录应使用搜索框: url=%d input=%d", site.urlSearches, site.inputSearches)
	}
	if res.MatchedOwner != "公司B" {
		t.Errorf("MatchedOwner = %q", res.MatchedOwner)
	}

	site.inputErr = errors.New("element not interactable")
	if _, err := engine.Process(context.Background(), rec(2, "甲", "")); err != nil {
		t.Fatal(err)
	}
	if site.urlSearches != 2 {
		t.Errorf("搜索框失败后应回退URL, url=%d", site.urlSearches)
	}

	engine.ResetSession()
	if _, err := engine.Process(context.Background(), rec(3, "乙", "")); err != nil {
		t.Fatal(err)
	}
	if site.urlSearches != 3 {
		t.Errorf("新会话首条记录应使用URL搜索, url=%d", site.urlSearches)
	}
}

func TestEngine_NavigationFailureDoesNotCount(t *testing.T) {
	site := newFakeSite()
	site.urlErr = errors.New("net::ERR_CONNECTION_RESET")
	engine, guard, confirmer := newTestEngine(site)

	for i := 0; i < 5; i++ {
		res, err := engine.Process(context.Background(), rec(i, "甲", ""))
		if err != nil {
			t.Fatalf("导航失败不应返回错误: %v", err)
		}
		if !res.NeedsManualReview || res.ReviewReason == "" {
			t.Errorf("导航失败应标记复核并给出原因: %+v", res)
		}
	}
	if guard.Failures() != 0 || confirmer.CallCount() != 0 {
		t.Errorf("导航失败不应计入反爬: failures=%d confirms=%d", guard.Failures(), confirmer.CallCount())
	}
}

func TestEngine_FilterReconciliation(t *testing.T) {
	tests := []struct {
		name        string
		start       models.FilterViewState
		unfiltered  fakeView
		filtered    fakeView
		wantOwner   string
		wantCount   int
		wantState   models.FilterViewState
		wantFilters []bool
	}{
		{
			name:        "未筛选且筛选后有结果",
			start:       models.Unfiltered,
			unfiltered:  view(cand("甲", "旧公司"), cand("甲", "新公司")),
			filtered:    view(cand("甲", "新公司")),
			wantOwner:   "新公司",
			wantCount:   1,
			wantState:   models.Filtered,
			wantFilters: []bool{true},
		},
		{
			name:        "未筛选且筛选后无结果回退",
			start:       models.Unfiltered,
			unfiltered:  view(cand("甲", "旧公司")),
			filtered:    fakeView{},
			wantOwner:   "旧公司",
			wantCount:   1,
			wantState:   models.Unfiltered,
			wantFilters: []bool{true, false},
		},
		{
			name:        "未筛选无结果不尝试筛选",
			start:       models.Unfiltered,
			wantState:   models.Unfiltered,
			wantFilters: nil,
		},
		{
			name:        "已筛选且有结果保持筛选",
			start:       models.Filtered,
			unfiltered:  view(cand("甲", "旧公司"), cand("甲", "新公司")),
			filtered:    view(cand("甲", "新公司")),
			wantOwner:   "新公司",
			wantCount:   1,
			wantState:   models.Filtered,
			wantFilters: nil,
		},
		{
			name:        "已筛选无结果取消筛选后重新采集",
			start:       models.Filtered,
			unfiltered:  view(cand("甲", "旧公司")),
			filtered:    fakeView{},
			wantOwner:   "旧公司",
			wantCount:   1,
			wantState:   models.Unfiltered,
			wantFilters: []bool{false},
		},
		{
			name:        "已筛选且取消后仍无结果",
			start:       models.Filtered,
			wantState:   models.Unfiltered,
			wantFilters: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := newFakeSite()
			site.unfiltered["甲"] = tt.unfiltered
			site.filtered["甲"] = tt.filtered
			site.filtersOn = tt.start == models.Filtered

			engine, _, _ := newTestEngine(site)
			engine.state = tt.start

			res, err := engine.Process(context.Background(), rec(0, "甲", ""))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if res.MatchedOwner != tt.wantOwner || res.ResultCount != tt.wantCount {
				t.Errorf("结果 = %+v, want owner=%q count=%d", res, tt.wantOwner, tt.wantCount)
			}
			if engine.FilterState() != tt.wantState {
				t.Errorf("FilterState() = %s, want %s", engine.FilterState(), tt.wantState)
			}
			if !reflect.DeepEqual(site.filterCalls, tt.wantFilters) {
				t.Errorf("筛选操作 = %v, want %v", site.filterCalls, tt.wantFilters)
			}
			if site.filtersOn != (tt.wantState == models.Filtered) {
				t.Errorf("页面筛选状态 = %v, 与引擎状态 %s 不一致", site.filtersOn, engine.FilterState())
			}
		})
	}
}

func TestEngine_FilterStateConvergesAcrossRecords(t *testing.T) {
	site := newFakeSite()
	site.unfiltered["甲"] = view(cand("甲", "A"))
	site.filtered["甲"] = view(cand("甲", "A"))
	site.unfiltered["乙"] = view(cand("乙", "B"))
	site.unfiltered["丙"] = view(cand("丙", "C"))
	site.filtered["丙"] = view(cand("丙", "C"))

	engine, _, _ := newTestEngine(site)

	want := []models.FilterViewState{models.Filtered, models.Unfiltered, models.Filtered}
	for i, key := range []string{"甲", "乙", "丙"} {
		res, err := engine.Process(context.Background(), rec(i, key, ""))
		if err != nil {
			t.Fatal(err)
		}
		if res.NeedsManualReview {
			t.Errorf("%s 不应需要复核: %+v", key, res)
		}
		if engine.FilterState() != want[i] {
			t.Errorf("%s 之后状态 = %s, want %s", key, engine.FilterState(), want[i])
		}
	}
}

func TestEngine_PauseResetsState(t *testing.T) {
	site := newFakeSite()
	site.unfiltered["甲"] = view(cand("甲", "A"))
	site.filtered["甲"] = view(cand("甲", "A"))
	site.filtersOn = true
	site.countFailures = 3

	engine, guard, confirmer := newTestEngine(site, true)
	engine.state = models.Filtered

	res, err := engine.Process(context.Background(), rec(0, "甲", ""))
	if err != nil {
		t.Fatalf("确认继续后不应返回错误: %v", err)
	}
	if confirmer.CallCount() != 1 {
		t.Errorf("应请求一次人工确认, got %d", confirmer.CallCount())
	}
	if !res.NeedsManualReview || res.ReviewReason != reasonPaused {
		t.Errorf("暂停的记录应标记复核: %+v", res)
	}
	if engine.FilterState() != models.Unfiltered {
		t.Errorf("暂停后状态 = %s, want unfiltered", engine.FilterState())
	}
	if guard.State() != GuardNormal {
		t.Errorf("守卫状态 = %s", guard.State())
	}
}

func TestEngine_RetryableCapture(t *testing.T) {
	site := newFakeSite()
	site.unfiltered["甲"] = view(cand("甲", "A"))
	site.countFailures = 2

	engine, guard, confirmer := newTestEngine(site)
	engine.opts.CaptureAttempts = 2

	res, err := engine.Process(context.Background(), rec(0, "甲", ""))
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsManualReview || res.MatchedOwner != "" {
		t.Errorf("采集失败应标记复核: %+v", res)
	}
	if guard.Failures() != 2 || confirmer.CallCount() != 0 {
		t.Errorf("failures=%d confirms=%d", guard.Failures(), confirmer.CallCount())
	}

	// 下一条成功后计数清零
	if _, err := engine.Process(context.Background(), rec(1, "甲", "")); err != nil {
		t.Fatal(err)
	}
	if guard.Failures() != 0 {
		t.Errorf("成功后计数应清零, got %d", guard.Failures())
	}
}

func TestEngine_UserAbort(t *testing.T) {
	site := newFakeSite()
	site.unfiltered["甲"] = view(cand("甲", "A"))
	site.countFailures = 10

	engine, _, _ := newTestEngine(site, false)

	_, err := engine.Process(context.Background(), rec(0, "甲", ""))
	if !errors.Is(err, models.ErrUserAbort) {
		t.Fatalf("拒绝继续应返回 ErrUserAbort, got %v", err)
	}
}

func TestEngine_LoginWall(t *testing.T) {
	site := newFakeSite()
	site.unfiltered["甲"] = view(cand("甲", "A"))
	site.loginWalls = 1

	engine, _, confirmer := newTestEngine(site, true)
	engine.opts.UseFilters = false

	res, err := engine.Process(context.Background(), rec(0, "甲", "A"))
	if err != nil {
		t.Fatal(err)
	}
	if len(confirmer.Calls) != 1 || confirmer.Calls[0] != models.ReasonLoginRequired {
		t.Errorf("应请求登录确认: %v", confirmer.Calls)
	}
	if site.urlSearches != 2 {
		t.Errorf("登录后应重新搜索, url=%d", site.urlSearches)
	}
	if res.NeedsManualReview || !res.OperatorMatches {
		t.Errorf("登录后结果 = %+v", res)
	}
}

func TestEngine_PanicBecomesSessionLost(t *testing.T) {
	site := newFakeSite()
	site.panicOn = "崩溃"
	engine, _, _ := newTestEngine(site)
	engine.state = models.Filtered

	res, err := engine.Process(context.Background(), rec(0, "崩溃", ""))
	if !errors.Is(err, models.ErrSessionLost) {
		t.Fatalf("panic 应转换为 ErrSessionLost, got %v", err)
	}
	if !res.NeedsManualReview {
		t.Error("会话异常的记录应标记复核")
	}
	if engine.FilterState() != models.Unfiltered {
		t.Error("会话异常后状态应复位")
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	site := newFakeSite()
	engine, _, _ := newTestEngine(site)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Process(ctx, rec(0, "甲", "")); !errors.Is(err, context.Canceled) {
		t.Errorf("Process() error = %v, want context.Canceled", err)
	}
	if site.urlSearches != 0 {
		t.Error("ctx 已取消时不应发起搜索")
	}
}

func TestEngine_CancelDuringCapture(t *testing.T) {
	tests := []struct {
		name         string
		useFilters   bool
		cancelAt     int // 第N次读取结果数量时取消,0表示切换筛选项时取消
		wantFailures int
	}{
		{"最后一次采集时取消", false, DefaultCaptureAttempts, DefaultCaptureAttempts - 1},
		{"第二次采集时取消", true, 2, 1},
		{"切换筛选项时取消", true, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := newFakeSite()
			site.unfiltered["甲"] = view(cand("甲", "公司A"))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if tt.cancelAt > 0 {
				site.countFailures = 100
				site.onCount = func(call int) {
					if call == tt.cancelAt {
						cancel()
					}
				}
			} else {
				site.filterErr = errors.New("checkbox detached")
				site.onFilter = func(bool) { cancel() }
			}

			confirmer := NewScriptedConfirmer()
			confirmer.Default = true
			guard := NewAntiBotGuard(5, confirmer, nil)
			engine := NewEngine(site, guard, EngineOptions{UseFilters: tt.useFilters}, nil)

			_, err := engine.Process(ctx, rec(0, "甲", ""))
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Process() error = %v, want context.Canceled", err)
			}
			if guard.Failures() != tt.wantFailures {
				t.Errorf("反爬计数 = %d, want %d", guard.Failures(), tt.wantFailures)
			}
			if confirmer.CallCount() != 0 {
				t.Errorf("取消导致的失败不应触发暂停, 确认请求 %d 次", confirmer.CallCount())
			}
		})
	}
}
