package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/metrics"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// StrategyDefaultPort 独立profile + 默认调试端口
	StrategyDefaultPort = "default-port"
	// StrategyRandomPort 独立profile + 随机调试端口
	StrategyRandomPort = "random-port"

	profileDirAttempts = 3
)

// Options 浏览器会话配置
type Options struct {
	ProfileRoot           string
	ProfilePrefix         string
	DefaultPort           int
	PortMin               int
	PortMax               int
	LaunchTimeout         time.Duration
	KillGrace             time.Duration
	ProfileRetention      time.Duration
	MaxProfileDirs        int
	DriverProcessNames    []string
	ProtectedProcessNames []string
	NoSandbox             bool
	ExtraFlags            []string
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		ProfileRoot:           filepath.Join(os.TempDir(), "gamecompliance-profiles"),
		ProfilePrefix:         "gc-profile-",
		DefaultPort:           9222,
		PortMin:               20000,
		PortMax:               60000,
		LaunchTimeout:         15 * time.Second,
		KillGrace:             2 * time.Second,
		ProfileRetention:      24 * time.Hour,
		MaxProfileDirs:        20,
		DriverProcessNames:    []string{"chromedriver", "leakless"},
		ProtectedProcessNames: []string{"chrome", "chromium", "chromium-browser", "msedge", "google chrome"},
		NoSandbox:             true,
	}
}

// withDefaults 用默认值补齐零值字段
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ProfileRoot == "" {
		o.ProfileRoot = d.ProfileRoot
	}
	if o.ProfilePrefix == "" {
		o.ProfilePrefix = d.ProfilePrefix
	}
	if o.DefaultPort <= 0 {
		o.DefaultPort = d.DefaultPort
	}
	if o.PortMin <= 0 || o.PortMax <= o.PortMin {
		o.PortMin, o.PortMax = d.PortMin, d.PortMax
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = d.LaunchTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = d.KillGrace
	}
	if o.ProfileRetention <= 0 {
		o.ProfileRetention = d.ProfileRetention
	}
	if o.MaxProfileDirs <= 0 {
		o.MaxProfileDirs = d.MaxProfileDirs
	}
	if o.DriverProcessNames == nil {
		o.DriverProcessNames = d.DriverProcessNames
	}
	if o.ProtectedProcessNames == nil {
		o.ProtectedProcessNames = d.ProtectedProcessNames
	}
	return o
}

// launchPlan 单次启动参数
type launchPlan struct {
	Bin        string
	ProfileDir string
	Port       int
	Headless   bool
	NoSandbox  bool
	ExtraFlags []string

	// track 登记终止函数,超时时由调用方结束仍在启动中的进程
	track func(kill func())
}

// launched 启动成功的浏览器
type launched struct {
	browser *rod.Browser
	pid     int
	close   func() error
	kill    func()
}

func (l *launched) shutdown() {
	if l == nil {
		return
	}
	if l.close != nil {
		_ = l.close()
	}
	if l.kill != nil {
		l.kill()
	}
}

type starter func(ctx context.Context, plan launchPlan) (*launched, error)

// SessionManager 负责启动浏览器会话
type SessionManager struct {
	opts    Options
	procs   ProcessTable
	metrics *metrics.Recorder
	start   starter
	newName func() string

	mu     sync.Mutex
	active map[string]*SessionHandle
}

// NewSessionManager 创建会话管理器
func NewSessionManager(opts Options, procs ProcessTable, rec *metrics.Recorder) *SessionManager {
	if procs == nil {
		procs = SystemProcessTable{}
	}
	return &SessionManager{
		opts:    opts.withDefaults(),
		procs:   procs,
		metrics: rec,
		start:   rodStarter,
		newName: uuid.NewString,
		active:  make(map[string]*SessionHandle),
	}
}

// Options 当前生效的配置
func (m *SessionManager) Options() Options {
	return m.opts
}

// Hygiene 返回共享进程表的清理器,不会回收仍在使用的profile
func (m *SessionManager) Hygiene() *Hygiene {
	h := NewHygiene(m.opts, m.procs, m.metrics)
	h.active = m.ActiveProfiles
	return h
}

// ActiveProfiles 当前未释放会话的profile目录
func (m *SessionManager) ActiveProfiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirs := make([]string, 0, len(m.active))
	for dir := range m.active {
		dirs = append(dirs, dir)
	}
	return dirs
}

// ReleaseAll 释放所有未释放的会话
func (m *SessionManager) ReleaseAll() {
	m.mu.Lock()
	handles := make([]*SessionHandle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}

// Launch 依次尝试启动策略,全部失败时返回 ErrLaunchFailed
func (m *SessionManager) Launch(ctx context.Context, entry *models.DriverCacheEntry, headless bool) (*SessionHandle, error) {
	if entry == nil || entry.DriverPath == "" {
		return nil, fmt.Errorf("%w: 驱动路径为空", models.ErrDriverUnavailable)
	}

	strategies := []string{StrategyDefaultPort, StrategyRandomPort}
	var lastErr error

	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		port := m.opts.DefaultPort
		if strategy == StrategyRandomPort {
			port = m.opts.PortMin + rand.IntN(m.opts.PortMax-m.opts.PortMin)
		}

		dir, err := m.createProfileDir()
		if err != nil {
			lastErr = err
			m.metrics.Launch(strategy, false)
			log.Warn().Err(err).Str("strategy", strategy).Msg("创建profile目录失败")
			continue
		}

		plan := launchPlan{
			Bin:        entry.DriverPath,
			ProfileDir: dir,
			Port:       port,
			Headless:   headless,
			NoSandbox:  m.opts.NoSandbox,
			ExtraFlags: m.opts.ExtraFlags,
		}
		l, err := m.attempt(ctx, plan)
		if err != nil {
			lastErr = err
			m.metrics.Launch(strategy, false)
			removeDirWithRetry(dir)
			log.Warn().Err(err).Str("strategy", strategy).Int("port", port).Msg("浏览器启动失败,尝试下一策略")
			continue
		}

		h := &SessionHandle{
			Browser:      l.browser,
			ProfileDir:   dir,
			Port:         port,
			Strategy:     strategy,
			PID:          l.pid,
			closeBrowser: l.close,
			kill:         l.kill,
			procs:        m.procs,
			killGrace:    m.opts.KillGrace,
			metrics:      m.metrics,
			onRelease:    m.forget,
		}
		m.mu.Lock()
		m.active[dir] = h
		m.mu.Unlock()

		m.metrics.Launch(strategy, true)
		log.Info().Str("strategy", strategy).Int("port", port).Int("pid", l.pid).Str("profile", dir).Msg("浏览器会话已启动")
		return h, nil
	}

	if lastErr == nil {
		lastErr = errors.New("没有可用的启动策略")
	}
	return nil, fmt.Errorf("%w: %w", models.ErrLaunchFailed, lastErr)
}

// attempt 在 LaunchTimeout 内完成一次启动
// 超时后结束仍在启动的进程,迟到的成功结果由后台回收
func (m *SessionManager) attempt(ctx context.Context, plan launchPlan) (*launched, error) {
	actx, cancel := context.WithTimeout(ctx, m.opts.LaunchTimeout)
	defer cancel()

	var (
		killMu sync.Mutex
		kill   func()
	)
	plan.track = func(k func()) {
		killMu.Lock()
		kill = k
		killMu.Unlock()
	}

	type result struct {
		l   *launched
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("启动过程panic: %v", r)}
			}
		}()
		l, err := m.start(actx, plan)
		ch <- result{l: l, err: err}
	}()

	select {
	case r := <-ch:
		return r.l, r.err
	case <-actx.Done():
		killMu.Lock()
		k := kill
		killMu.Unlock()
		if k != nil {
			k()
		}
		go func() {
			r := <-ch
			if r.l != nil {
				log.Debug().Str("profile", plan.ProfileDir).Msg("回收超时后才完成的启动")
				r.l.shutdown()
			}
		}()
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (%s)", models.ErrLaunchTimeout, m.opts.LaunchTimeout)
		}
		return nil, actx.Err()
	}
}

// createProfileDir 独占创建profile目录,名称冲突时重试
func (m *SessionManager) createProfileDir() (string, error) {
	if err := os.MkdirAll(m.opts.ProfileRoot, 0o755); err != nil {
		return "", fmt.Errorf("创建profile根目录失败: %w", err)
	}

	var lastErr error
	for i := 0; i < profileDirAttempts; i++ {
		dir := filepath.Join(m.opts.ProfileRoot, m.opts.ProfilePrefix+m.newName())
		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return dir, nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	return "", fmt.Errorf("创建profile目录失败: %w", lastErr)
}

func (m *SessionManager) forget(h *SessionHandle) {
	m.mu.Lock()
	delete(m.active, h.ProfileDir)
	m.mu.Unlock()
}

// rodStarter 使用rod launcher启动并连接浏览器
func rodStarter(ctx context.Context, plan launchPlan) (*launched, error) {
	l := launcher.New().
		Bin(plan.Bin).
		Headless(plan.Headless).
		NoSandbox(plan.NoSandbox).
		UserDataDir(plan.ProfileDir).
		RemoteDebuggingPort(plan.Port).
		Leakless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")

	for _, f := range plan.ExtraFlags {
		name, value, _ := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if value == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), value)
		}
	}

	if plan.track != nil {
		plan.track(l.Kill)
	}

	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}
	if ctx.Err() != nil {
		l.Kill()
		return nil, ctx.Err()
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	log.Debug().Str("control_url", u).Msg("已连接浏览器")
	return &launched{
		browser: b,
		pid:     l.PID(),
		close:   b.Close,
		kill:    l.Kill,
	}, nil
}

// SessionHandle 一个浏览器会话,由启动方独占
type SessionHandle struct {
	Browser    *rod.Browser
	ProfileDir string
	Port       int
	Strategy   string
	PID        int

	closeBrowser func() error
	kill         func()
	procs        ProcessTable
	killGrace    time.Duration
	metrics      *metrics.Recorder
	onRelease    func(*SessionHandle)

	released atomic.Bool
}

// Released 是否已释放
func (h *SessionHandle) Released() bool {
	return h == nil || h.released.Load()
}

// Release 关闭浏览器,结束进程并删除profile目录
// 可重复调用,不会panic,只结束命令行引用本会话profile的进程
func (h *SessionHandle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("profile", h.ProfileDir).Msg("释放会话时发生panic")
		}
		if h.onRelease != nil {
			h.onRelease(h)
		}
	}()

	if h.closeBrowser != nil {
		if err := h.closeBrowser(); err != nil {
			log.Debug().Err(err).Msg("关闭浏览器失败,继续结束进程")
		}
	}
	if h.kill != nil {
		h.kill()
	}

	h.reapProcesses()
	removeDirWithRetry(h.ProfileDir)
	log.Debug().Str("profile", h.ProfileDir).Msg("浏览器会话已释放")
}

// reapProcesses 宽限期后强制结束仍引用本会话profile的进程
func (h *SessionHandle) reapProcesses() {
	if h.procs == nil || h.ProfileDir == "" {
		return
	}
	if h.PID > 0 {
		waitExit(h.procs, int32(h.PID), h.killGrace)
	}

	list, err := h.procs.List(context.Background())
	if err != nil {
		log.Debug().Err(err).Msg("枚举进程失败,跳过强制清理")
		return
	}

	killed := 0
	for _, p := range list {
		if p.Cmdline == "" || !strings.Contains(p.Cmdline, h.ProfileDir) {
			continue
		}
		if err := h.procs.Kill(p.PID); err != nil {
			log.Debug().Err(err).Int32("pid", p.PID).Msg("强制结束进程失败")
			continue
		}
		killed++
		log.Debug().Int32("pid", p.PID).Str("name", p.Name).Msg("已强制结束残留进程")
	}
	h.metrics.ProcessesKilled(killed)
}

// removeDirWithRetry 删除目录,失败的留给清理器回收
func removeDirWithRetry(dir string) {
	if dir == "" {
		return
	}
	var err error
	for i := 0; i < 3; i++ {
		if err = os.RemoveAll(dir); err == nil {
			return
		}
		time.Sleep(300 * time.Millisecond)
	}
	log.Warn().Err(err).Str("dir", dir).Msg("删除profile目录失败,留待下次清理")
}
