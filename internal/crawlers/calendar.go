package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

// DefaultCalendarMaxPages 默认最多翻页数
const DefaultCalendarMaxPages = 10

// CalendarProfile 发售日历页面的选择器
type CalendarProfile struct {
	StartURL    string `mapstructure:"start_url"`
	Row         string `mapstructure:"row"`
	Name        string `mapstructure:"name"`
	ReleaseDate string `mapstructure:"release_date"`
	Platform    string `mapstructure:"platform"`
	Publisher   string `mapstructure:"publisher"`
	NextPage    string `mapstructure:"next_page"`
	MaxPages    int    `mapstructure:"max_pages"`
}

// DefaultCalendarProfile 通用表格布局的默认选择器,StartURL 需由配置或命令行提供
func DefaultCalendarProfile() CalendarProfile {
	return CalendarProfile{
		Row:         "table.release tbody tr, .release-list li",
		Name:        ".name, td:nth-child(1)",
		ReleaseDate: ".date, td:nth-child(2)",
		Platform:    ".platform, td:nth-child(3)",
		Publisher:   ".publisher, td:nth-child(4)",
		NextPage:    "a.next, a[rel=next]",
		MaxPages:    DefaultCalendarMaxPages,
	}
}

// Validate 检查必填项
func (p CalendarProfile) Validate() error {
	if strings.TrimSpace(p.StartURL) == "" {
		return errors.New("未设置日历起始地址 (calendar.start_url)")
	}
	if strings.TrimSpace(p.Row) == "" || strings.TrimSpace(p.Name) == "" {
		return errors.New("日历选择器 row 和 name 不能为空")
	}
	return nil
}

// CalendarOptions 日历爬取参数
type CalendarOptions struct {
	Profile        CalendarProfile
	HeaderProvider models.HeaderProvider
	RequestTimeout time.Duration
	// PageDelay 翻页间隔
	PageDelay time.Duration
}

// CalendarStats 日历爬取统计
type CalendarStats struct {
	Pages      int
	Rows       int
	Duplicates int
	Failed     int
}

// CalendarCrawler 游戏发售日历爬取器(使用Colly),按页顺序抓取
type CalendarCrawler struct {
	collector *colly.Collector
	opts      CalendarOptions

	mu      sync.Mutex
	entries []models.CalendarEntry
	seen    map[string]struct{}
	stats   CalendarStats
	ctx     context.Context
}

// NewCalendarCrawler 创建日历爬取器
func NewCalendarCrawler(opts CalendarOptions) (*CalendarCrawler, error) {
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}
	if opts.Profile.MaxPages <= 0 {
		opts.Profile.MaxPages = DefaultCalendarMaxPages
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	c := colly.NewCollector()
	c.SetRequestTimeout(opts.RequestTimeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       opts.PageDelay,
	}); err != nil {
		log.Warn().Err(err).Msg("设置请求频率限制失败")
	}

	cc := &CalendarCrawler{
		collector: c,
		opts:      opts,
		seen:      make(map[string]struct{}),
		ctx:       context.Background(),
	}
	cc.setupCallbacks()
	return cc, nil
}

func (cc *CalendarCrawler) setupCallbacks() {
	cc.collector.OnRequest(func(r *colly.Request) {
		if cc.ctx.Err() != nil {
			r.Abort()
			return
		}

		// br/deflate 由 OnResponse 解压
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
		if cc.opts.HeaderProvider != nil {
			headers, err := cc.opts.HeaderProvider.GetHeaders()
			if err != nil {
				log.Warn().Err(err).Msg("获取HTTP头部失败")
			} else {
				for name, values := range headers {
					if len(values) > 0 {
						r.Headers.Set(name, values[0])
					}
				}
			}
		}
		log.Debug().Str("url", r.URL.String()).Msg("访问日历页")
	})

	cc.collector.OnResponse(func(r *colly.Response) {
		pageURL := r.Request.URL.String()

		body := r.Body
		if enc := r.Headers.Get("Content-Encoding"); enc != "" {
			decoded, err := decodeBody(enc, r.Body)
			if err != nil {
				// 传输层可能已经解压过
				log.Debug().Err(err).Str("encoding", enc).Msg("解压失败,使用原始内容")
			} else {
				body = decoded
			}
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			log.Warn().Err(err).Str("url", pageURL).Msg("解析日历页失败")
			cc.countFailure()
			return
		}

		pages := cc.collectPage(doc, pageURL)

		next := cc.nextPage(doc, r)
		if next == "" {
			return
		}
		if pages >= cc.opts.Profile.MaxPages {
			log.Info().Int("max_pages", cc.opts.Profile.MaxPages).Msg("已达最大翻页数")
			return
		}
		var visited *colly.AlreadyVisitedError
		if err := r.Request.Visit(next); err != nil && !errors.As(err, &visited) {
			log.Warn().Err(err).Str("url", next).Msg("翻页失败")
		}
	})

	cc.collector.OnError(func(r *colly.Response, err error) {
		log.Error().Err(err).Str("url", r.Request.URL.String()).Int("status", r.StatusCode).Msg("日历页请求失败")
		cc.countFailure()
	})
}

func (cc *CalendarCrawler) countFailure() {
	cc.mu.Lock()
	cc.stats.Failed++
	cc.mu.Unlock()
}

// collectPage 提取并去重,返回已处理页数
func (cc *CalendarCrawler) collectPage(doc *goquery.Document, pageURL string) int {
	p := cc.opts.Profile

	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.stats.Pages++
	doc.Find(p.Row).Each(func(_ int, row *goquery.Selection) {
		entry := models.CalendarEntry{
			Name:        cellText(row, p.Name),
			ReleaseDate: cellText(row, p.ReleaseDate),
			Platform:    cellText(row, p.Platform),
			Publisher:   cellText(row, p.Publisher),
			SourceURL:   pageURL,
		}
		if entry.Name == "" {
			return
		}
		cc.stats.Rows++

		key := entry.Key()
		if _, dup := cc.seen[key]; dup {
			cc.stats.Duplicates++
			return
		}
		cc.seen[key] = struct{}{}
		cc.entries = append(cc.entries, entry)
	})
	return cc.stats.Pages
}

func (cc *CalendarCrawler) nextPage(doc *goquery.Document, r *colly.Response) string {
	sel := strings.TrimSpace(cc.opts.Profile.NextPage)
	if sel == "" {
		return ""
	}
	href, ok := doc.Find(sel).First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" || strings.HasPrefix(href, "javascript:") || href == "#" {
		return ""
	}
	return r.Request.AbsoluteURL(href)
}

// Crawl 从起始地址开始抓取,ctx 取消后不再发起新请求
func (cc *CalendarCrawler) Crawl(ctx context.Context) ([]models.CalendarEntry, error) {
	start := time.Now()
	cc.ctx = ctx

	log.Info().Str("url", cc.opts.Profile.StartURL).Int("max_pages", cc.opts.Profile.MaxPages).Msg("开始抓取发售日历")

	if err := cc.collector.Visit(cc.opts.Profile.StartURL); err != nil {
		return nil, fmt.Errorf("访问日历页失败: %w", err)
	}
	cc.collector.Wait()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	log.Info().
		Int("pages", cc.stats.Pages).
		Int("entries", len(cc.entries)).
		Int("duplicates", cc.stats.Duplicates).
		Dur("elapsed", time.Since(start)).
		Msg("发售日历抓取完成")

	if err := ctx.Err(); err != nil {
		return cc.entries, err
	}
	if cc.stats.Pages == 0 {
		return nil, fmt.Errorf("未能获取任何日历页 (失败%d次)", cc.stats.Failed)
	}
	return cc.entries, nil
}

// Stats 返回统计
func (cc *CalendarCrawler) Stats() CalendarStats {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.stats
}

// decodeBody 按 Content-Encoding 解压响应体
func decodeBody(contentEncoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		return io.ReadAll(reader)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "", "identity":
		return body, nil
	default:
		return nil, fmt.Errorf("不支持的压缩格式: %s", contentEncoding)
	}
}
