package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"
)

// RodInstaller 使用本机浏览器或rod托管下载的浏览器作为驱动
type RodInstaller struct {
	// Bin 配置指定的浏览器路径,为空时自动查找
	Bin string
	// DownloadDir 托管浏览器的下载目录
	DownloadDir string
	// AllowDownload 本机没有匹配的浏览器时是否下载
	AllowDownload bool

	versionTimeout time.Duration
}

// NewRodInstaller 创建安装器
func NewRodInstaller(bin, downloadDir string, allowDownload bool) *RodInstaller {
	return &RodInstaller{
		Bin:            bin,
		DownloadDir:    downloadDir,
		AllowDownload:  allowDownload,
		versionTimeout: 10 * time.Second,
	}
}

// LocalBrowser 返回本机浏览器路径
func (i *RodInstaller) LocalBrowser() (string, bool) {
	if i.Bin != "" {
		if _, err := os.Stat(i.Bin); err == nil {
			return i.Bin, true
		}
		log.Warn().Str("bin", i.Bin).Msg("配置的浏览器路径不存在,尝试自动查找")
	}
	return launcher.LookPath()
}

// InstalledVersion 通过 --version 读取本机浏览器版本
func (i *RodInstaller) InstalledVersion(ctx context.Context) (string, error) {
	bin, ok := i.LocalBrowser()
	if !ok {
		return "", nil
	}
	return i.binaryVersion(ctx, bin)
}

// Install 优先使用主版本匹配的本机浏览器,否则下载rod托管浏览器
func (i *RodInstaller) Install(ctx context.Context, browserVersion string) (*models.DriverCacheEntry, error) {
	wantMajor := models.ParseMajorVersion(browserVersion)

	if bin, ok := i.LocalBrowser(); ok {
		version, err := i.binaryVersion(ctx, bin)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("bin", bin).Msg("读取浏览器版本失败")
		case wantMajor < 0 || models.ParseMajorVersion(version) == wantMajor:
			return &models.DriverCacheEntry{DriverPath: bin, DriverVersion: version}, nil
		default:
			log.Warn().Str("bin", bin).Str("version", version).Int("want_major", wantMajor).Msg("本机浏览器主版本不匹配")
		}
	}

	if !i.AllowDownload {
		return nil, errors.New("未找到可用的浏览器,且未允许自动下载")
	}

	log.Info().Str("dir", i.DownloadDir).Msg("下载托管浏览器...")
	b := launcher.NewBrowser()
	if i.DownloadDir != "" {
		b.RootDir = filepath.Join(i.DownloadDir, "browser")
	}
	b.Context = ctx
	bin, err := b.Get()
	if err != nil {
		return nil, fmt.Errorf("下载浏览器失败: %w", err)
	}

	version, err := i.binaryVersion(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("读取下载浏览器版本失败: %w", err)
	}
	return &models.DriverCacheEntry{DriverPath: bin, DriverVersion: version}, nil
}

func (i *RodInstaller) binaryVersion(ctx context.Context, bin string) (string, error) {
	timeout := i.versionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(vctx, bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("执行 %s --version 失败: %w", bin, err)
	}
	version := strings.TrimSpace(string(out))
	if models.ParseMajorVersion(version) < 0 {
		return "", fmt.Errorf("无法解析浏览器版本: %q", version)
	}
	return version, nil
}
