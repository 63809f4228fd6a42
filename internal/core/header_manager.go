package core

import (
	"net/http"
	"sync"

	"github.com/RecoveryAshes/GameCompliance/internal/config"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
)

const (
	// DefaultUserAgent 默认User-Agent
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"

	// DefaultAcceptLanguage 目标站点均为中文站点
	DefaultAcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.6"
)

// HeaderManager 合并默认头部、配置文件与命令行头部
// 实现 HeaderProvider 接口,供日历抓取与浏览器页面共用
type HeaderManager struct {
	defaults http.Header
	file     http.Header
	cli      http.Header

	validator *utils.HeaderValidator
	redactor  *utils.HeaderRedactor
	loader    *config.HeaderFileLoader

	once    sync.Once
	loadErr error
}

// NewHeaderManager 创建头部管理器
// headerFile 为空时使用默认路径;cliHeaders 为 -H 传入的 "Name: Value" 列表
func NewHeaderManager(headerFile string, cliHeaders []string) (*HeaderManager, error) {
	cli := make(http.Header)
	if len(cliHeaders) > 0 {
		parsed, err := models.CliHeaders(cliHeaders).Parse()
		if err != nil {
			return nil, err
		}
		cli = parsed
	}

	return &HeaderManager{
		defaults:  defaultHeaders(),
		file:      make(http.Header),
		cli:       cli,
		validator: utils.NewHeaderValidator(),
		redactor:  utils.NewHeaderRedactor(),
		loader:    config.NewHeaderFileLoader(headerFile),
	}, nil
}

// defaultHeaders 压缩协商交给浏览器和抓取器自身处理,这里不设置 Accept-Encoding
func defaultHeaders() http.Header {
	return http.Header{
		"User-Agent":      []string{DefaultUserAgent},
		"Accept":          []string{"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language": []string{DefaultAcceptLanguage},
	}
}

// load 只读取一次配置文件
func (hm *HeaderManager) load() error {
	hm.once.Do(func() {
		headers, err := hm.loader.Load()
		if err != nil {
			utils.Errorf("加载HTTP头部配置失败: %v", err)
			hm.loadErr = err
			return
		}
		hm.file = headers
		if len(headers) > 0 {
			utils.Debugf("从 %s 加载%d个HTTP头部: %s", hm.loader.Path(), len(headers), hm.redactor.RedactToString(headers))
		}
	})
	return hm.loadErr
}

// Validate 依次验证默认、配置文件、命令行头部
func (hm *HeaderManager) Validate() error {
	for _, layer := range []struct {
		name    string
		headers http.Header
	}{
		{"默认", hm.defaults},
		{"配置文件", hm.file},
		{"命令行", hm.cli},
	} {
		if err := hm.validator.Validate(layer.headers); err != nil {
			utils.Errorf("%s头部验证失败: %v", layer.name, err)
			return err
		}
	}
	return nil
}

// Merged 按优先级合并 (默认 < 配置文件 < 命令行)
func (hm *HeaderManager) Merged() http.Header {
	result := make(http.Header)
	for _, layer := range []http.Header{hm.defaults, hm.file, hm.cli} {
		for name, values := range layer {
			result[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return result
}

// SafeString 脱敏后的头部,用于日志
func (hm *HeaderManager) SafeString() string {
	return hm.redactor.RedactToString(hm.Merged())
}

// GetHeaders 实现 HeaderProvider 接口
func (hm *HeaderManager) GetHeaders() (http.Header, error) {
	if err := hm.load(); err != nil {
		return nil, err
	}
	if err := hm.Validate(); err != nil {
		return nil, err
	}
	return hm.Merged(), nil
}
