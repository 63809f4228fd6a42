package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/metrics"
	"github.com/rs/zerolog/log"
)

// SweepReport 一次清理的结果
type SweepReport struct {
	Terminated  []int32
	Protected   int
	RemovedDirs []string
	KeptDirs    int
}

// Hygiene 进程与临时目录清理
// 在批处理开始和结束时调用,只清理驱动进程,从不触碰浏览器本身
type Hygiene struct {
	opts    Options
	procs   ProcessTable
	metrics *metrics.Recorder
	now     func() time.Time
	selfPID int32

	// active 由SessionManager提供,正在使用的目录及其进程不会被清理
	active func() []string
}

// NewHygiene 创建清理器
func NewHygiene(opts Options, procs ProcessTable, rec *metrics.Recorder) *Hygiene {
	if procs == nil {
		procs = SystemProcessTable{}
	}
	return &Hygiene{
		opts:    opts.withDefaults(),
		procs:   procs,
		metrics: rec,
		now:     time.Now,
		selfPID: int32(os.Getpid()),
	}
}

// Sweep 结束残留的驱动进程并回收过期的profile目录
func (h *Hygiene) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if err := h.sweepProcesses(ctx, &report); err != nil {
		log.Warn().Err(err).Msg("进程清理失败")
	}
	if err := h.sweepProfiles(&report); err != nil {
		return report, err
	}

	log.Info().
		Int("terminated", len(report.Terminated)).
		Int("protected", report.Protected).
		Int("removed_dirs", len(report.RemovedDirs)).
		Int("kept_dirs", report.KeptDirs).
		Msg("资源清理完成")
	return report, nil
}

func (h *Hygiene) sweepProcesses(ctx context.Context, report *SweepReport) error {
	list, err := h.procs.List(ctx)
	if err != nil {
		return fmt.Errorf("枚举进程失败: %w", err)
	}

	for _, p := range list {
		if p.PID == h.selfPID {
			continue
		}
		if nameIn(p.Name, h.opts.ProtectedProcessNames) {
			report.Protected++
			continue
		}
		if !nameIn(p.Name, h.opts.DriverProcessNames) {
			continue
		}
		if h.referencesActiveProfile(p.Cmdline) {
			continue
		}

		if err := h.procs.Terminate(p.PID); err != nil {
			log.Debug().Err(err).Int32("pid", p.PID).Msg("终止驱动进程失败,尝试强制结束")
		}
		if !waitExit(h.procs, p.PID, h.opts.KillGrace) {
			if err := h.procs.Kill(p.PID); err != nil {
				log.Warn().Err(err).Int32("pid", p.PID).Str("name", p.Name).Msg("强制结束驱动进程失败")
				continue
			}
		}
		report.Terminated = append(report.Terminated, p.PID)
		log.Debug().Int32("pid", p.PID).Str("name", p.Name).Msg("已结束残留驱动进程")
	}
	h.metrics.ProcessesKilled(len(report.Terminated))
	return nil
}

func (h *Hygiene) activeDirs() []string {
	if h.active == nil {
		return nil
	}
	return h.active()
}

func (h *Hygiene) referencesActiveProfile(cmdline string) bool {
	if cmdline == "" {
		return false
	}
	for _, dir := range h.activeDirs() {
		if strings.Contains(cmdline, dir) {
			return true
		}
	}
	return false
}

type profileDir struct {
	path    string
	modTime time.Time
}

// sweepProfiles 删除超过保留期的目录,并只保留最新的 MaxProfileDirs 个
func (h *Hygiene) sweepProfiles(report *SweepReport) error {
	entries, err := os.ReadDir(h.opts.ProfileRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取profile目录失败: %w", err)
	}

	var dirs []profileDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), h.opts.ProfilePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, profileDir{
			path:    filepath.Join(h.opts.ProfileRoot, e.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].modTime.After(dirs[j].modTime)
	})

	active := make(map[string]bool)
	for _, dir := range h.activeDirs() {
		active[filepath.Clean(dir)] = true
	}

	now := h.now()
	kept := 0
	for _, d := range dirs {
		if active[filepath.Clean(d.path)] {
			kept++
			continue
		}
		expired := now.Sub(d.modTime) > h.opts.ProfileRetention
		if !expired && kept < h.opts.MaxProfileDirs {
			kept++
			continue
		}
		if err := os.RemoveAll(d.path); err != nil {
			log.Warn().Err(err).Str("dir", d.path).Msg("删除profile目录失败")
			kept++
			continue
		}
		report.RemovedDirs = append(report.RemovedDirs, d.path)
	}
	report.KeptDirs = kept
	return nil
}
