package models

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var versionPattern = regexp.MustCompile(`(\d+)(?:\.\d+){0,3}`)

// DriverCacheEntry 驱动缓存条目,持久化为JSON
type DriverCacheEntry struct {
	DriverPath    string `json:"driver_path"`
	DriverVersion string `json:"driver_version"`
	LastCheckTime int64  `json:"last_check_time"` // Unix秒
}

// MajorVersion 解析主版本号,无法解析返回-1
func (e *DriverCacheEntry) MajorVersion() int {
	return ParseMajorVersion(e.DriverVersion)
}

// CheckedAt 最后验证时间
func (e *DriverCacheEntry) CheckedAt() time.Time {
	return time.Unix(e.LastCheckTime, 0)
}

// Usable 判断缓存条目是否可用
// 主版本必须与已安装浏览器一致,且未超过最大缓存时长
func (e *DriverCacheEntry) Usable(installedMajor int, maxAge time.Duration, now time.Time) (bool, string) {
	if e == nil || e.DriverPath == "" {
		return false, "缓存为空"
	}
	major := e.MajorVersion()
	if major < 0 {
		return false, fmt.Sprintf("无法解析缓存版本: %q", e.DriverVersion)
	}
	if installedMajor >= 0 && major != installedMajor {
		return false, fmt.Sprintf("主版本不匹配: 缓存=%d, 浏览器=%d", major, installedMajor)
	}
	if maxAge > 0 && now.Sub(e.CheckedAt()) > maxAge {
		return false, fmt.Sprintf("缓存已过期: 上次验证于 %s", e.CheckedAt().Format(time.RFC3339))
	}
	return true, ""
}

// ParseMajorVersion 从 "Google Chrome 120.0.6099.109" 一类字符串中解析主版本号
func ParseMajorVersion(version string) int {
	m := versionPattern.FindStringSubmatch(version)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}
