package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RecoveryAshes/GameCompliance/internal/core"
	"github.com/RecoveryAshes/GameCompliance/internal/crawlers"
	"github.com/RecoveryAshes/GameCompliance/internal/store"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/spf13/cobra"
)

var (
	calendarURL      string
	calendarOutput   string
	calendarMaxPages int
)

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "抓取游戏发售日历,生成可用于 match 的表格",
	RunE: func(cmd *cobra.Command, args []string) error {
		if calendarURL != "" {
			appConfig.Calendar.StartURL = calendarURL
		}
		if calendarMaxPages > 0 {
			appConfig.Calendar.MaxPages = calendarMaxPages
		}
		if err := ValidateCalendarFlags(appConfig.Calendar.StartURL, calendarOutput, appConfig.Calendar.MaxPages); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		headerManager, err := core.NewHeaderManager(appConfig.Headers.File, headers)
		if err != nil {
			return fmt.Errorf("解析HTTP头部失败: %w", err)
		}

		crawler, err := crawlers.NewCalendarCrawler(appConfig.CalendarOptions(headerManager))
		if err != nil {
			return err
		}

		utils.Infof("🚀 开始抓取发售日历: %s", appConfig.Calendar.StartURL)
		entries, err := crawler.Crawl(ctx)
		if err != nil {
			return fmt.Errorf("抓取发售日历失败: %w", err)
		}

		if err := store.WriteCalendar(calendarOutput, entries); err != nil {
			return err
		}

		stats := crawler.Stats()
		utils.Infof("✅ 抓取完成: %d页, %d条 (重复 %d, 失败页 %d)", stats.Pages, len(entries), stats.Duplicates, stats.Failed)
		utils.Infof("已写入: %s", calendarOutput)
		return nil
	},
}

func init() {
	calendarCmd.Flags().StringVarP(&calendarURL, "url", "u", "", "日历起始页地址 (默认取配置 calendar.start_url)")
	calendarCmd.Flags().StringVarP(&calendarOutput, "output", "o", "calendar.xlsx", "输出表格")
	calendarCmd.Flags().IntVar(&calendarMaxPages, "max-pages", 0, "最多翻页数")
}
