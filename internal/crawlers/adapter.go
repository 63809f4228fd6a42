package crawlers

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
)

// TargetAdapter 目标站点的DOM操作契约,引擎只依赖此接口
//
// SearchByURL / SearchByInput 的错误视为导航失败;
// ResultCount / ExtractRows / SetFilters 的错误视为提取失败,计入反爬计数
type TargetAdapter interface {
	Name() string
	// SearchByURL 通过带关键字的URL直接导航
	SearchByURL(ctx context.Context, key string) error
	// SearchByInput 在页面搜索框中清空、输入并提交
	SearchByInput(ctx context.Context, key string) error
	// NeedsLogin 当前页面是否为登录墙
	NeedsLogin(ctx context.Context) (bool, error)
	// ResultCount 读取当前视图的结果数量
	ResultCount(ctx context.Context) (int, error)
	// ExtractRows 提取结果行
	ExtractRows(ctx context.Context) ([]models.Candidate, error)
	// SetFilters 将所有筛选复选框设为 on,已处于目标状态的不点击
	SetFilters(ctx context.Context, on bool) error
}

// SiteProfile 站点选择器配置
type SiteProfile struct {
	Name string `mapstructure:"name"`
	// SearchURL 含 {key} 占位符,关键字会被URL编码
	SearchURL    string `mapstructure:"search_url"`
	SearchInput  string `mapstructure:"search_input"`
	SearchSubmit string `mapstructure:"search_submit"` // 为空时按回车提交

	// ResultsReady 搜索后等待出现的元素(结果区或空结果提示)
	ResultsReady       string `mapstructure:"results_ready"`
	ResultCount        string `mapstructure:"result_count"`
	ResultCountPattern string `mapstructure:"result_count_pattern"`
	EmptyResult        string `mapstructure:"empty_result"`

	ResultRow     string            `mapstructure:"result_row"`
	ShortNameCell string            `mapstructure:"short_name_cell"`
	OwnerCell     string            `mapstructure:"owner_cell"`
	ExtraCells    map[string]string `mapstructure:"extra_cells"`

	FilterCheckboxes []string `mapstructure:"filter_checkboxes"`
	LoginMarker      string   `mapstructure:"login_marker"`
	// BlockPatterns 页面文本命中任一正则视为被拦截(验证码/限流)
	BlockPatterns []string `mapstructure:"block_patterns"`
}

// BuildSearchURL 生成搜索URL
func (p SiteProfile) BuildSearchURL(key string) (string, error) {
	if !strings.Contains(p.SearchURL, "{key}") {
		return "", fmt.Errorf("站点 %s 的 search_url 缺少 {key} 占位符", p.Name)
	}
	return strings.ReplaceAll(p.SearchURL, "{key}", url.QueryEscape(strings.TrimSpace(key))), nil
}

// Validate 检查必填选择器
func (p SiteProfile) Validate() error {
	var missing []string
	required := map[string]string{
		"search_url":      p.SearchURL,
		"result_row":      p.ResultRow,
		"short_name_cell": p.ShortNameCell,
		"owner_cell":      p.OwnerCell,
	}
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("站点 %s 缺少配置: %s", p.Name, strings.Join(missing, ", "))
	}
	if _, err := p.BuildSearchURL("x"); err != nil {
		return err
	}
	return nil
}

// Merge 用 override 中的非空字段覆盖当前配置
func (p SiteProfile) Merge(override SiteProfile) SiteProfile {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&p.Name, override.Name)
	set(&p.SearchURL, override.SearchURL)
	set(&p.SearchInput, override.SearchInput)
	set(&p.SearchSubmit, override.SearchSubmit)
	set(&p.ResultsReady, override.ResultsReady)
	set(&p.ResultCount, override.ResultCount)
	set(&p.ResultCountPattern, override.ResultCountPattern)
	set(&p.EmptyResult, override.EmptyResult)
	set(&p.ResultRow, override.ResultRow)
	set(&p.ShortNameCell, override.ShortNameCell)
	set(&p.OwnerCell, override.OwnerCell)
	set(&p.LoginMarker, override.LoginMarker)
	if len(override.ExtraCells) > 0 {
		p.ExtraCells = override.ExtraCells
	}
	if len(override.FilterCheckboxes) > 0 {
		p.FilterCheckboxes = override.FilterCheckboxes
	}
	if len(override.BlockPatterns) > 0 {
		p.BlockPatterns = override.BlockPatterns
	}
	return p
}

// 内置站点
const (
	TargetCopyright = "copyright"
	TargetApproval  = "approval"
)

var defaultBlockPatterns = []string{
	`(?i)captcha`,
	`(?i)verify you are human`,
	`(?i)too many requests`,
	`访问过于频繁`,
	`请完成安全验证`,
	`滑动验证`,
}

// Presets 内置站点配置,选择器可在配置文件 sites.<name> 中覆盖
func Presets() map[string]SiteProfile {
	return map[string]SiteProfile{
		TargetCopyright: {
			Name:               TargetCopyright,
			SearchURL:          "https://www.qcc.com/web/search/copyright?key={key}",
			SearchInput:        "input#searchKey",
			SearchSubmit:       "button.input-group-btn, .search-btn",
			ResultsReady:       ".search-cell, .msearch .nodata, .app-nodata",
			ResultCount:        ".npanel-heading .text-danger, .search-cell .count",
			ResultCountPattern: `(\d[\d,]*)`,
			EmptyResult:        ".app-nodata, .msearch .nodata",
			ResultRow:          ".ntable tr.frtrt, .search-cell table tbody tr",
			ShortNameCell:      "td.shortname, td:nth-child(3)",
			OwnerCell:          "td.owner a, td:nth-child(5)",
			ExtraCells: map[string]string{
				"登记号":  "td:nth-child(4)",
				"软件全称": "td:nth-child(2)",
			},
			FilterCheckboxes: []string{
				".filter-time input[type=checkbox][data-range='1y']",
				".filter-time input[type=checkbox][data-range='3y']",
			},
			LoginMarker:   ".login-panel, .qcc-login, #loginModal.in",
			BlockPatterns: defaultBlockPatterns,
		},
		TargetApproval: {
			Name:               TargetApproval,
			SearchURL:          "https://www.nppa.gov.cn/bsfw/jggs/yxspjg/index.html?keyword={key}",
			SearchInput:        "input[name=keyword], #keyword",
			SearchSubmit:       "button[type=submit], .search-btn",
			ResultsReady:       "table.trStyle, .noData",
			ResultCount:        ".page-count, .total",
			ResultCountPattern: `(\d[\d,]*)`,
			EmptyResult:        ".noData",
			ResultRow:          "table.trStyle tbody tr",
			ShortNameCell:      "td:nth-child(2)",
			OwnerCell:          "td:nth-child(4)",
			ExtraCells: map[string]string{
				"批准文号": "td:nth-child(6)",
				"出版单位": "td:nth-child(3)",
				"批准日期": "td:nth-child(8)",
			},
			BlockPatterns: defaultBlockPatterns,
		},
	}
}

// ResolveProfile 取内置配置并合并覆盖项
func ResolveProfile(name string, overrides map[string]SiteProfile) (SiteProfile, error) {
	base, ok := Presets()[name]
	if override, has := overrides[name]; has {
		base = base.Merge(override)
		ok = true
	}
	if !ok {
		return SiteProfile{}, fmt.Errorf("未知的目标站点: %s", name)
	}
	if base.Name == "" {
		base.Name = name
	}
	if err := base.Validate(); err != nil {
		return SiteProfile{}, err
	}
	return base, nil
}
