package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultDriverMaxAge 缓存条目最长有效期
const DefaultDriverMaxAge = 30 * 24 * time.Hour

// DriverInstaller 解析/安装与浏览器主版本匹配的驱动
type DriverInstaller interface {
	// InstalledVersion 返回本机已安装浏览器的版本字符串,未安装时返回空串
	InstalledVersion(ctx context.Context) (string, error)
	// Install 解析一个与 browserVersion 主版本匹配的驱动
	Install(ctx context.Context, browserVersion string) (*models.DriverCacheEntry, error)
}

// DriverResolver 带缓存的驱动解析
type DriverResolver struct {
	cache     DriverCache
	installer DriverInstaller
	maxAge    time.Duration
	now       func() time.Time
}

// NewDriverResolver 创建解析器,maxAge<=0 时使用默认值
func NewDriverResolver(cache DriverCache, installer DriverInstaller, maxAge time.Duration) *DriverResolver {
	if maxAge <= 0 {
		maxAge = DefaultDriverMaxAge
	}
	return &DriverResolver{
		cache:     cache,
		installer: installer,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// SetClock 替换时钟,用于测试
func (r *DriverResolver) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve 返回可用的驱动条目
// 缓存缺失、主版本不符或过期时重新解析并覆盖缓存
// browserVersion 为空时询问安装器本机浏览器版本
func (r *DriverResolver) Resolve(ctx context.Context, browserVersion string) (*models.DriverCacheEntry, error) {
	if browserVersion == "" {
		v, err := r.installer.InstalledVersion(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("检测本机浏览器版本失败")
		}
		browserVersion = v
	}
	installedMajor := models.ParseMajorVersion(browserVersion)

	cached, err := r.cache.Load()
	if err != nil {
		log.Warn().Err(err).Msg("读取驱动缓存失败")
	}
	ok, reason := cached.Usable(installedMajor, r.maxAge, r.now())
	if ok {
		log.Debug().Str("path", cached.DriverPath).Str("version", cached.DriverVersion).Msg("使用缓存的驱动")
		return cached, nil
	}
	log.Info().Str("reason", reason).Msg("驱动缓存不可用,重新解析")

	entry, err := r.installer.Install(ctx, browserVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDriverUnavailable, err)
	}
	if entry == nil || entry.DriverPath == "" {
		return nil, fmt.Errorf("%w: 安装器未返回驱动路径", models.ErrDriverUnavailable)
	}

	entry.LastCheckTime = r.now().Unix()
	if err := r.cache.Save(entry); err != nil {
		log.Warn().Err(err).Msg("写入驱动缓存失败")
	}
	log.Info().Str("path", entry.DriverPath).Str("version", entry.DriverVersion).Msg("驱动解析完成")
	return entry, nil
}

// MarkVerified 启动成功后刷新验证时间并覆盖缓存
func (r *DriverResolver) MarkVerified(entry *models.DriverCacheEntry) error {
	if entry == nil {
		return errors.New("缓存条目为空")
	}
	entry.LastCheckTime = r.now().Unix()
	return r.cache.Save(entry)
}

// Invalidate 版本不符或启动失败后删除缓存
func (r *DriverResolver) Invalidate() error {
	log.Info().Msg("清除驱动缓存")
	return r.cache.Invalidate()
}

// Cached 读取当前缓存,不做任何校验
func (r *DriverResolver) Cached() (*models.DriverCacheEntry, error) {
	return r.cache.Load()
}
