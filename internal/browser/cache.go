package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/rs/zerolog/log"
)

// DriverCacheFileName 驱动缓存文件名
const DriverCacheFileName = "driver_cache.json"

// DriverCache 驱动缓存存储
// Load 在缓存不存在或损坏时返回 (nil, nil),不视为错误
type DriverCache interface {
	Load() (*models.DriverCacheEntry, error)
	Save(entry *models.DriverCacheEntry) error
	Invalidate() error
}

// FileDriverCache 基于JSON文件的驱动缓存
// 多个进程同时写入时以最后写入者为准,条目可随时重新推导
type FileDriverCache struct {
	path string
	mu   sync.Mutex
}

// NewFileDriverCache 在 dir 下创建缓存,dir 不可写时退回系统临时目录
func NewFileDriverCache(dir string) *FileDriverCache {
	target := filepath.Join(dir, DriverCacheFileName)
	if !dirWritable(dir) {
		fallback := filepath.Join(os.TempDir(), "gamecompliance")
		log.Warn().Str("dir", dir).Str("fallback", fallback).Msg("缓存目录不可写,使用临时目录")
		target = filepath.Join(fallback, DriverCacheFileName)
	}
	return &FileDriverCache{path: target}
}

// Path 缓存文件路径
func (c *FileDriverCache) Path() string {
	return c.path
}

// Load 读取缓存
func (c *FileDriverCache) Load() (*models.DriverCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Debug().Err(err).Str("path", c.path).Msg("读取驱动缓存失败,视为无缓存")
		}
		return nil, nil
	}

	var entry models.DriverCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("驱动缓存已损坏,视为无缓存")
		return nil, nil
	}
	return &entry, nil
}

// Save 写入缓存(临时文件+重命名)
func (c *FileDriverCache) Save(entry *models.DriverCacheEntry) error {
	if entry == nil {
		return errors.New("缓存条目为空")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化驱动缓存失败: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入驱动缓存失败: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("替换驱动缓存失败: %w", err)
	}
	return nil
}

// Invalidate 删除缓存,文件不存在不算错误
func (c *FileDriverCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除驱动缓存失败: %w", err)
	}
	return nil
}

// MemoryDriverCache 内存缓存,用于测试
type MemoryDriverCache struct {
	mu    sync.Mutex
	entry *models.DriverCacheEntry
	Saves int
}

// NewMemoryDriverCache 创建内存缓存,entry 可为 nil
func NewMemoryDriverCache(entry *models.DriverCacheEntry) *MemoryDriverCache {
	return &MemoryDriverCache{entry: entry}
}

func (c *MemoryDriverCache) Load() (*models.DriverCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return nil, nil
	}
	cp := *c.entry
	return &cp, nil
}

func (c *MemoryDriverCache) Save(entry *models.DriverCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *entry
	c.entry = &cp
	c.Saves++
	return nil
}

func (c *MemoryDriverCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
	return nil
}

// dirWritable 尝试创建目录并写入探测文件
func dirWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	_ = os.Remove(name)
	return true
}
