package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/browser"
	"github.com/RecoveryAshes/GameCompliance/internal/crawlers"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/RecoveryAshes/GameCompliance/internal/store"
	"github.com/RecoveryAshes/GameCompliance/internal/utils"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Browser  BrowserConfig                   `mapstructure:"browser"`
	Driver   DriverConfig                    `mapstructure:"driver"`
	Guard    GuardConfig                     `mapstructure:"guard"`
	Batch    BatchConfig                     `mapstructure:"batch"`
	Input    store.InputOptions              `mapstructure:"input"`
	Sites    map[string]crawlers.SiteProfile `mapstructure:"sites"`
	Calendar CalendarConfig                  `mapstructure:"calendar"`
	Headers  HeadersConfig                   `mapstructure:"headers"`
	Logging  LoggingConfig                   `mapstructure:"logging"`
	Metrics  MetricsConfig                   `mapstructure:"metrics"`
}

// BrowserConfig 浏览器会话配置
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless"`
	Bin             string        `mapstructure:"bin"`
	ProfileRoot     string        `mapstructure:"profile_root"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout"`
	ElementTimeout  time.Duration `mapstructure:"element_timeout"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	DefaultPort     int           `mapstructure:"default_port"`
	PortMin         int           `mapstructure:"port_min"`
	PortMax         int           `mapstructure:"port_max"`
	NoSandbox       bool          `mapstructure:"no_sandbox"`
	ExtraFlags      []string      `mapstructure:"extra_flags"`
}

// DriverConfig 驱动缓存配置
type DriverConfig struct {
	CacheDir      string        `mapstructure:"cache_dir"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	DownloadDir   string        `mapstructure:"download_dir"`
	AllowDownload bool          `mapstructure:"allow_download"`
}

// GuardConfig 反爬保护配置
type GuardConfig struct {
	MaxFailures     int `mapstructure:"max_failures"`
	CaptureAttempts int `mapstructure:"capture_attempts"`
}

// BatchConfig 批处理节奏
type BatchConfig struct {
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
	DelayMin        time.Duration `mapstructure:"delay_min"`
	DelayMax        time.Duration `mapstructure:"delay_max"`
}

// CalendarConfig 发售日历抓取配置
type CalendarConfig struct {
	crawlers.CalendarProfile `mapstructure:",squash"`
	RequestTimeout           time.Duration `mapstructure:"request_timeout"`
	PageDelay                time.Duration `mapstructure:"page_delay"`
}

// HeadersConfig 请求头配置
type HeadersConfig struct {
	// File 头部配置文件,为空时使用 configs/headers.yaml
	File string `mapstructure:"file"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Quiet    bool           `mapstructure:"quiet"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig 指标端点
type MetricsConfig struct {
	// Addr 为空时不启动 /metrics
	Addr string `mapstructure:"addr"`
}

// LoadConfig 加载配置文件
// configPath 为空时依次搜索 ./configs、当前目录、~/.gamecompliance,找不到则使用默认值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".gamecompliance"))
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &models.ConfigError{FilePath: configPath, Cause: fmt.Errorf("读取配置文件失败: %w", err)}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &models.ConfigError{FilePath: v.ConfigFileUsed(), Cause: fmt.Errorf("解析配置文件失败: %w", err)}
	}
	if used := v.ConfigFileUsed(); used != "" {
		utils.Debugf("使用配置文件: %s", used)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	session := browser.DefaultOptions()

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.profile_root", session.ProfileRoot)
	v.SetDefault("browser.page_load_timeout", "15s")
	v.SetDefault("browser.element_timeout", "15s")
	v.SetDefault("browser.launch_timeout", session.LaunchTimeout.String())
	v.SetDefault("browser.settle_delay", "800ms")
	v.SetDefault("browser.default_port", session.DefaultPort)
	v.SetDefault("browser.port_min", session.PortMin)
	v.SetDefault("browser.port_max", session.PortMax)
	v.SetDefault("browser.no_sandbox", session.NoSandbox)

	v.SetDefault("driver.cache_dir", ".cache")
	v.SetDefault("driver.max_age", browser.DefaultDriverMaxAge.String())
	v.SetDefault("driver.allow_download", true)

	v.SetDefault("guard.max_failures", 3)
	v.SetDefault("guard.capture_attempts", crawlers.DefaultCaptureAttempts)

	v.SetDefault("batch.checkpoint_every", 5)
	v.SetDefault("batch.delay_min", "3s")
	v.SetDefault("batch.delay_max", "5s")

	v.SetDefault("input.sheet", "")
	v.SetDefault("input.primary_column", store.DefaultPrimaryColumn)
	v.SetDefault("input.auxiliary_column", store.DefaultAuxiliaryColumn)

	calendar := crawlers.DefaultCalendarProfile()
	v.SetDefault("calendar.row", calendar.Row)
	v.SetDefault("calendar.name", calendar.Name)
	v.SetDefault("calendar.release_date", calendar.ReleaseDate)
	v.SetDefault("calendar.platform", calendar.Platform)
	v.SetDefault("calendar.publisher", calendar.Publisher)
	v.SetDefault("calendar.next_page", calendar.NextPage)
	v.SetDefault("calendar.max_pages", calendar.MaxPages)
	v.SetDefault("calendar.request_timeout", "20s")
	v.SetDefault("calendar.page_delay", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)
}

// Validate 检查数值配置的取值范围
func (c *Config) Validate() error {
	if c.Guard.MaxFailures <= 0 {
		return fmt.Errorf("guard.max_failures 必须大于0")
	}
	if c.Batch.CheckpointEvery <= 0 {
		return fmt.Errorf("batch.checkpoint_every 必须大于0")
	}
	if c.Batch.DelayMin < 0 || c.Batch.DelayMax < c.Batch.DelayMin {
		return fmt.Errorf("批处理间隔无效: delay_min=%s delay_max=%s", c.Batch.DelayMin, c.Batch.DelayMax)
	}
	return nil
}

// CLIOverrides 命令行参数,零值表示未指定
type CLIOverrides struct {
	Headless        *bool
	BrowserBin      string
	MaxFailures     int
	CheckpointEvery int
	DelayMin        time.Duration
	DelayMax        time.Duration
	HeadersFile     string
	LogLevel        string
	LogDir          string
	Quiet           bool
	MetricsAddr     string
}

// MergeCLIFlags 合并命令行参数到配置,命令行优先
func (c *Config) MergeCLIFlags(o CLIOverrides) {
	if o.Headless != nil {
		c.Browser.Headless = *o.Headless
	}
	if o.BrowserBin != "" {
		c.Browser.Bin = o.BrowserBin
	}
	if o.MaxFailures > 0 {
		c.Guard.MaxFailures = o.MaxFailures
	}
	if o.CheckpointEvery > 0 {
		c.Batch.CheckpointEvery = o.CheckpointEvery
	}
	if o.DelayMin > 0 {
		c.Batch.DelayMin = o.DelayMin
		if c.Batch.DelayMax < o.DelayMin {
			c.Batch.DelayMax = o.DelayMin
		}
	}
	if o.DelayMax > 0 {
		c.Batch.DelayMax = o.DelayMax
	}
	if o.HeadersFile != "" {
		c.Headers.File = o.HeadersFile
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogDir != "" {
		c.Logging.LogDir = o.LogDir
	}
	if o.Quiet {
		c.Logging.Quiet = true
	}
	if o.MetricsAddr != "" {
		c.Metrics.Addr = o.MetricsAddr
	}
}

// LogConfig 转换为日志初始化参数
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
		Quiet:      c.Logging.Quiet,
	}
}

// SessionOptions 浏览器会话参数
func (c *Config) SessionOptions() browser.Options {
	opts := browser.DefaultOptions()
	if c.Browser.ProfileRoot != "" {
		opts.ProfileRoot = c.Browser.ProfileRoot
	}
	if c.Browser.LaunchTimeout > 0 {
		opts.LaunchTimeout = c.Browser.LaunchTimeout
	}
	if c.Browser.DefaultPort > 0 {
		opts.DefaultPort = c.Browser.DefaultPort
	}
	if c.Browser.PortMin > 0 && c.Browser.PortMax > c.Browser.PortMin {
		opts.PortMin, opts.PortMax = c.Browser.PortMin, c.Browser.PortMax
	}
	opts.NoSandbox = c.Browser.NoSandbox
	opts.ExtraFlags = c.Browser.ExtraFlags
	return opts
}

// AdapterOptions 页面操作参数
func (c *Config) AdapterOptions(headers map[string][]string) crawlers.RodAdapterOptions {
	return crawlers.RodAdapterOptions{
		PageLoadTimeout: c.Browser.PageLoadTimeout,
		ElementTimeout:  c.Browser.ElementTimeout,
		SettleDelay:     c.Browser.SettleDelay,
		Headers:         headers,
	}
}

// CalendarOptions 发售日历抓取参数
func (c *Config) CalendarOptions(provider models.HeaderProvider) crawlers.CalendarOptions {
	return crawlers.CalendarOptions{
		Profile:        c.Calendar.CalendarProfile,
		HeaderProvider: provider,
		RequestTimeout: c.Calendar.RequestTimeout,
		PageDelay:      c.Calendar.PageDelay,
	}
}
