package crawlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
)

// fakeView 某个关键字在某个视图下的页面
type fakeView struct {
	count int
	cands []models.Candidate
}

// fakeSite 模拟会保持筛选状态的目标站点
type fakeSite struct {
	unfiltered map[string]fakeView
	filtered   map[string]fakeView

	filtersOn bool
	key       string

	urlErr    error
	inputErr  error
	filterErr error
	// countFailures 前N次读取结果数量失败
	countFailures int
	// loginWalls 前N次搜索后出现登录框
	loginWalls int
	loginShown bool
	panicOn    string
	// onCount 每次读取结果数量前调用
	onCount    func(call int)
	countCalls int
	// onFilter 每次切换筛选项前调用
	onFilter func(on bool)

	urlSearches   int
	inputSearches int
	filterCalls   []bool
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		unfiltered: make(map[string]fakeView),
		filtered:   make(map[string]fakeView),
	}
}

func (s *fakeSite) Name() string { return "fake" }

func (s *fakeSite) SearchByURL(ctx context.Context, key string) error {
	if key == s.panicOn {
		panic("target closed")
	}
	s.urlSearches++
	if s.urlErr != nil {
		return s.urlErr
	}
	s.show(key)
	return nil
}

func (s *fakeSite) SearchByInput(ctx context.Context, key string) error {
	s.inputSearches++
	if s.inputErr != nil {
		return s.inputErr
	}
	s.show(key)
	return nil
}

func (s *fakeSite) show(key string) {
	s.key = key
	s.loginShown = false
	if s.loginWalls > 0 {
		s.loginWalls--
		s.loginShown = true
	}
}

func (s *fakeSite) NeedsLogin(ctx context.Context) (bool, error) {
	return s.loginShown, nil
}

func (s *fakeSite) view() fakeView {
	if s.filtersOn {
		return s.filtered[s.key]
	}
	return s.unfiltered[s.key]
}

func (s *fakeSite) ResultCount(ctx context.Context) (int, error) {
	s.countCalls++
	if s.onCount != nil {
		s.onCount(s.countCalls)
	}
	if s.countFailures > 0 {
		s.countFailures--
		return 0, fmt.Errorf("%w: 未找到结果区", models.ErrExtraction)
	}
	return s.view().count, nil
}

func (s *fakeSite) ExtractRows(ctx context.Context) ([]models.Candidate, error) {
	v := s.view()
	if len(v.cands) == 0 {
		return nil, errors.New("no rows")
	}
	return v.cands, nil
}

func (s *fakeSite) SetFilters(ctx context.Context, on bool) error {
	s.filterCalls = append(s.filterCalls, on)
	if s.onFilter != nil {
		s.onFilter(on)
	}
	if s.filterErr != nil {
		return s.filterErr
	}
	s.filtersOn = on
	return nil
}

func cand(short, owner string) models.Candidate {
	return models.Candidate{ShortName: short, Owner: owner}
}

func view(cands ...models.Candidate) fakeView {
	return fakeView{count: len(cands), cands: cands}
}
