package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/browser"
	"github.com/RecoveryAshes/GameCompliance/internal/core"
	"github.com/RecoveryAshes/GameCompliance/internal/crawlers"
	"github.com/RecoveryAshes/GameCompliance/internal/metrics"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/RecoveryAshes/GameCompliance/internal/store"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/spf13/cobra"
)

// match 命令参数
var (
	inputPath       string
	target          string
	outputPath      string
	startIndex      int
	headless        bool
	browserBin      string
	maxFailures     int
	checkpointEvery int
	delayMin        time.Duration
	delayMax        time.Duration
	sheetName       string
	primaryColumn   string
	auxColumn       string
	noProgress      bool
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "逐条查询表格中的游戏并写回匹配结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateMatchFlags(inputPath, target, startIndex, delayMin, delayMax); err != nil {
			return err
		}

		overrides := core.CLIOverrides{
			BrowserBin:      browserBin,
			MaxFailures:     maxFailures,
			CheckpointEvery: checkpointEvery,
			DelayMin:        delayMin,
			DelayMax:        delayMax,
		}
		if cmd.Flags().Changed("headless") {
			overrides.Headless = &headless
		}
		appConfig.MergeCLIFlags(overrides)
		if sheetName != "" {
			appConfig.Input.Sheet = sheetName
		}
		if primaryColumn != "" {
			appConfig.Input.PrimaryColumn = primaryColumn
		}
		if auxColumn != "" {
			appConfig.Input.AuxiliaryColumn = auxColumn
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runMatch(ctx, appConfig)
	},
}

func runMatch(ctx context.Context, cfg *core.Config) error {
	profile, err := crawlers.ResolveProfile(target, cfg.Sites)
	if err != nil {
		return err
	}

	headerManager, err := core.NewHeaderManager(cfg.Headers.File, headers)
	if err != nil {
		return fmt.Errorf("解析HTTP头部失败: %w", err)
	}
	pageHeaders, err := headerManager.GetHeaders()
	if err != nil {
		return fmt.Errorf("HTTP头部配置无效: %w", err)
	}
	utils.Debugf("HTTP头部: %s", headerManager.SafeString())

	records, err := store.LoadRecords(inputPath, cfg.Input)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		utils.Warn("输入表格中没有待查询的记录")
		return nil
	}

	if outputPath == "" {
		outputPath = store.DerivedOutputPath(inputPath, profile.Name)
	}
	table, err := store.OpenOutput(inputPath, outputPath, cfg.Input)
	if err != nil {
		return err
	}
	defer table.Close()

	recorder := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, recorder); err != nil {
				utils.Warnf("指标服务启动失败: %v", err)
			}
		}()
	}

	cache := browser.NewFileDriverCache(cfg.Driver.CacheDir)
	installer := browser.NewRodInstaller(cfg.Browser.Bin, cfg.Driver.DownloadDir, cfg.Driver.AllowDownload)
	resolver := browser.NewDriverResolver(cache, installer, cfg.Driver.MaxAge)
	sessions := browser.NewSessionManager(cfg.SessionOptions(), browser.SystemProcessTable{}, recorder)
	defer sessions.ReleaseAll()

	adapter, err := crawlers.NewRodAdapter(profile, cfg.AdapterOptions(pageHeaders))
	if err != nil {
		return err
	}

	guard := crawlers.NewAntiBotGuard(cfg.Guard.MaxFailures, utils.NewPromptConfirmer(), recorder)
	engine := crawlers.NewEngine(adapter, guard, crawlers.EngineOptions{
		CaptureAttempts: cfg.Guard.CaptureAttempts,
		UseFilters:      len(profile.FilterCheckboxes) > 0,
	}, recorder)

	runner := core.NewRunner(core.RunnerOptions{
		Target:          profile.Name,
		InputPath:       inputPath,
		StartIndex:      startIndex,
		CheckpointEvery: cfg.Batch.CheckpointEvery,
		DelayMin:        cfg.Batch.DelayMin,
		DelayMax:        cfg.Batch.DelayMax,
		ShowProgress:    !noProgress && !cfg.Logging.Quiet,
	}, core.RunnerDeps{
		Records:   records,
		Sink:      table,
		Processor: engine,
		Session:   core.NewBrowserSession(sessions, resolver, adapter, cfg.Browser.Headless),
		Sweeper:   sessions.Hygiene(),
		Guard:     guard,
		Metrics:   recorder,
	})

	go func() {
		<-ctx.Done()
		runner.Stop()
	}()

	_, err = runner.Run(ctx)
	if models.IsUserAbort(err) {
		utils.Warnf("批处理已终止,再次运行同一命令即可续跑: %s", table.Path())
		return nil
	}
	return err
}

func init() {
	matchCmd.Flags().StringVarP(&inputPath, "input", "i", "", "输入表格 (xlsx, 必需)")
	matchCmd.Flags().StringVarP(&target, "target", "t", crawlers.TargetCopyright, "目标站点 (copyright|approval|配置中的站点名)")
	matchCmd.Flags().StringVarP(&outputPath, "output", "o", "", "输出表格 (默认 <输入>_<目标>_result.xlsx)")
	matchCmd.Flags().IntVar(&startIndex, "start-index", -1, "从第几条记录开始 (0起),默认从检查点续跑")
	matchCmd.Flags().BoolVar(&headless, "headless", false, "无头浏览器模式 (需要人工登录时不要开启)")
	matchCmd.Flags().StringVar(&browserBin, "browser", "", "浏览器可执行文件路径")
	matchCmd.Flags().IntVar(&maxFailures, "max-failures", 0, "连续失败多少次后暂停等待人工处理")
	matchCmd.Flags().IntVar(&checkpointEvery, "checkpoint-every", 0, "每处理多少条保存一次")
	matchCmd.Flags().DurationVar(&delayMin, "delay-min", 0, "记录间最小间隔")
	matchCmd.Flags().DurationVar(&delayMax, "delay-max", 0, "记录间最大间隔")
	matchCmd.Flags().StringVar(&sheetName, "sheet", "", "工作表名称 (默认第一个)")
	matchCmd.Flags().StringVar(&primaryColumn, "name-column", "", "游戏名称列标题")
	matchCmd.Flags().StringVar(&auxColumn, "operator-column", "", "运营单位列标题")
	matchCmd.Flags().BoolVar(&noProgress, "no-progress", false, "不显示进度条")
	_ = matchCmd.MarkFlagRequired("input")
}
