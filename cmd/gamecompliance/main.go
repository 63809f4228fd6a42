package main

import (
	"fmt"
	"os"

	"github.com/RecoveryAshes/GameCompliance/internal/core"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 全局参数
var (
	configFile  string
	logLevel    string
	quiet       bool
	headers     []string
	headersFile string
	metricsAddr string
)

// appConfig 由 PersistentPreRunE 加载
var appConfig *core.Config

var rootCmd = &cobra.Command{
	Use:   "gamecompliance",
	Short: "游戏版号与软件著作权批量核查工具",
	Long: `GameCompliance - 游戏合规信息批量核查工具

按表格中的游戏名称逐条查询软件著作权登记或游戏审批信息,
将匹配到的著作权人、结果数量、名称/运营方是否一致写回表格,
无法确定的记录标记为需人工复核。

  • 中断后自动从检查点续跑
  • 遇到登录或疑似反爬时暂停,等待人工处理
  • 每5条保存一次结果
  • 支持抓取游戏发售日历生成待查表格

示例:
  # 查询著作权登记
  gamecompliance match -i games.xlsx -t copyright

  # 从第100条开始查询审批信息
  gamecompliance match -i games.xlsx -t approval --start-index 99

  # 携带已登录的Cookie
  gamecompliance match -i games.xlsx -t copyright -H "Cookie: QCCSESSID=xxxx"

  # 抓取发售日历
  gamecompliance calendar --url https://example.com/releases -o releases.xlsx

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		config.MergeCLIFlags(core.CLIOverrides{
			HeadersFile: headersFile,
			LogLevel:    logLevel,
			Quiet:       quiet,
			MetricsAddr: metricsAddr,
		})

		if err := utils.InitLogger(config.LogConfig()); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		appConfig = config
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("GameCompliance %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "控制台只输出警告和错误")

	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	rootCmd.PersistentFlags().StringVar(&headersFile, "headers-file", "", "HTTP头部配置文件 (默认 configs/headers.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "提供 /metrics 的监听地址,例如 :9100")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(calendarCmd)
	rootCmd.AddCommand(driverCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(headersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
