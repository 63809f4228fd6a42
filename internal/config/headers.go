// Package config 负责HTTP头部配置文件的生成与读取
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/spf13/viper"
)

const (
	// DefaultHeaderFile 默认头部配置文件路径
	DefaultHeaderFile = "configs/headers.yaml"

	// MaxConfigFileSize 配置文件最大大小 (1MB)
	MaxConfigFileSize = 1 * 1024 * 1024
)

//go:embed headers_template.yaml
var headerTemplate string

// HeaderTemplate 头部配置模板内容
func HeaderTemplate() string { return headerTemplate }

// HeaderFileLoader 头部配置文件加载器
type HeaderFileLoader struct {
	path string
	// autoCreate 文件不存在时写入模板
	autoCreate bool
}

// NewHeaderFileLoader 创建加载器,path 为空时使用默认路径并在缺失时生成模板
func NewHeaderFileLoader(path string) *HeaderFileLoader {
	if strings.TrimSpace(path) == "" {
		return &HeaderFileLoader{path: DefaultHeaderFile, autoCreate: true}
	}
	return &HeaderFileLoader{path: path}
}

// Path 配置文件路径
func (l *HeaderFileLoader) Path() string { return l.path }

// EnsureExists 文件不存在时写入模板
func (l *HeaderFileLoader) EnsureExists() error {
	if _, err := os.Stat(l.path); !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("无法创建配置目录 [%s]: %w", filepath.Dir(l.path), err)
	}
	if err := os.WriteFile(l.path, []byte(headerTemplate), 0644); err != nil {
		return fmt.Errorf("无法生成配置文件 [%s]: %w", l.path, err)
	}
	utils.Infof("已生成头部配置模板: %s", l.path)
	return nil
}

func (l *HeaderFileLoader) checkSize() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return &models.ConfigError{FilePath: l.path, Cause: err}
	}
	if info.Size() > MaxConfigFileSize {
		return &models.ConfigError{
			FilePath: l.path,
			Cause:    fmt.Errorf("配置文件过大: %d 字节 (最大 %d 字节)", info.Size(), MaxConfigFileSize),
		}
	}
	return nil
}

// Load 读取头部配置
// 默认路径缺失时生成模板;显式指定的文件缺失视为错误;文件被锁定时返回空配置
func (l *HeaderFileLoader) Load() (http.Header, error) {
	if l.autoCreate {
		if err := l.EnsureExists(); err != nil {
			// 生成模板失败不影响运行
			utils.Warnf("%v, 使用默认头部", err)
			return make(http.Header), nil
		}
	}

	if err := l.checkSize(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			utils.Warnf("配置文件被锁定 [%s], 使用默认头部", l.path)
			return make(http.Header), nil
		}
		return nil, &models.ConfigError{FilePath: l.path, Cause: err}
	}

	var cfg models.HeaderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &models.ConfigError{
			FilePath: l.path,
			Cause:    fmt.Errorf("配置绑定失败: %w", err),
		}
	}

	headers := make(http.Header, len(cfg.Headers))
	for name, value := range cfg.Headers {
		headers.Set(name, value)
	}
	return headers, nil
}
