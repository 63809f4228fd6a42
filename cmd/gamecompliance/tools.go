package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/browser"
	"github.com/RecoveryAshes/GameCompliance/internal/core"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

const toolTimeout = 2 * time.Minute

func newResolver() (*browser.DriverResolver, *browser.FileDriverCache, *browser.RodInstaller) {
	cache := browser.NewFileDriverCache(appConfig.Driver.CacheDir)
	installer := browser.NewRodInstaller(appConfig.Browser.Bin, appConfig.Driver.DownloadDir, appConfig.Driver.AllowDownload)
	return browser.NewDriverResolver(cache, installer, appConfig.Driver.MaxAge), cache, installer
}

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "管理浏览器驱动缓存",
}

var driverResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "解析可用的浏览器驱动并刷新缓存",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
		defer cancel()

		resolver, cache, _ := newResolver()
		entry, err := resolver.Resolve(ctx, "")
		if err != nil {
			return err
		}
		fmt.Printf("驱动路径: %s\n", entry.DriverPath)
		fmt.Printf("驱动版本: %s\n", entry.DriverVersion)
		fmt.Printf("验证时间: %s\n", time.Unix(entry.LastCheckTime, 0).Format(time.DateTime))
		fmt.Printf("缓存文件: %s\n", cache.Path())
		return nil
	},
}

var driverResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "删除驱动缓存,下次运行时重新解析",
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, cache, _ := newResolver()
		if err := resolver.Invalidate(); err != nil {
			return err
		}
		utils.Infof("已删除驱动缓存: %s", cache.Path())
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "清理残留的驱动进程和过期的临时profile目录",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
		defer cancel()

		report, err := browser.NewHygiene(appConfig.SessionOptions(), browser.SystemProcessTable{}, nil).Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("结束进程: %d\n", len(report.Terminated))
		fmt.Printf("跳过浏览器进程: %d\n", report.Protected)
		fmt.Printf("删除目录: %d (保留 %d)\n", len(report.RemovedDirs), report.KeptDirs)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "检查运行环境: 浏览器、驱动缓存、目录权限、内存",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
		defer cancel()

		resolver, cache, installer := newResolver()
		failed := 0
		report := func(ok bool, name, detail string) {
			mark := "✅"
			if !ok {
				mark = "❌"
				failed++
			}
			fmt.Printf("%s %-8s %s\n", mark, name, detail)
		}

		bin, found := installer.LocalBrowser()
		if found {
			version, err := installer.InstalledVersion(ctx)
			if err != nil {
				report(false, "浏览器", fmt.Sprintf("%s (读取版本失败: %v)", bin, err))
			} else {
				report(true, "浏览器", fmt.Sprintf("%s %s", bin, version))
			}
		} else if appConfig.Driver.AllowDownload {
			report(true, "浏览器", "未找到本机浏览器,首次运行时自动下载")
		} else {
			report(false, "浏览器", "未找到本机浏览器且未允许自动下载")
		}

		if entry, err := resolver.Cached(); err != nil || entry == nil {
			report(true, "驱动缓存", "无缓存,首次运行时解析")
		} else {
			age := time.Since(time.Unix(entry.LastCheckTime, 0)).Round(time.Minute)
			report(true, "驱动缓存", fmt.Sprintf("%s %s (验证于 %s 前)", entry.DriverPath, entry.DriverVersion, age))
		}

		for _, dir := range []struct{ name, path string }{
			{"缓存目录", appConfig.Driver.CacheDir},
			{"profile", appConfig.SessionOptions().ProfileRoot},
			{"临时目录", os.TempDir()},
			{"日志目录", appConfig.Logging.LogDir},
		} {
			if err := utils.CheckWritableDir(dir.path); err != nil {
				report(false, dir.name, fmt.Sprintf("%s 不可写: %v", dir.path, err))
			} else {
				report(true, dir.name, dir.path)
			}
		}

		if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
			report(false, "内存", err.Error())
		} else {
			// 每个浏览器会话大约需要500MB
			report(vm.Available > 512<<20, "内存", fmt.Sprintf("可用 %s / 总计 %s",
				utils.FormatBytes(vm.Available), utils.FormatBytes(vm.Total)))
		}

		if load, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false); err == nil && len(load) > 0 {
			report(load[0] < 90, "CPU", fmt.Sprintf("使用率 %.1f%%", load[0]))
		}

		utils.Debugf("驱动缓存文件: %s", cache.Path())
		if failed > 0 {
			return fmt.Errorf("%d 项检查未通过", failed)
		}
		return nil
	},
}

var headersCmd = &cobra.Command{
	Use:   "headers",
	Short: "验证HTTP头部配置并显示生效的头部(已脱敏)",
	RunE: func(cmd *cobra.Command, args []string) error {
		hm, err := core.NewHeaderManager(appConfig.Headers.File, headers)
		if err != nil {
			return err
		}
		merged, err := hm.GetHeaders()
		if err != nil {
			return fmt.Errorf("配置验证失败: %w", err)
		}
		utils.Info("✅ 配置验证通过")
		utils.Infof("当前有效的HTTP头部 (%d个): %s", len(merged), hm.SafeString())
		return nil
	},
}

func init() {
	driverCmd.AddCommand(driverResolveCmd)
	driverCmd.AddCommand(driverResetCmd)
}
