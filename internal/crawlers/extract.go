package crawlers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"golang.org/x/net/html"
)

var defaultCountPattern = regexp.MustCompile(`(\d[\d,]*)`)

// ParseDocument 将页面HTML解析为goquery文档
func ParseDocument(pageHTML string) (*goquery.Document, error) {
	root, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}
	return goquery.NewDocumentFromNode(root), nil
}

// cleanText 合并空白
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// HasMatch 文档中是否存在匹配选择器的元素
func HasMatch(doc *goquery.Document, selector string) bool {
	if strings.TrimSpace(selector) == "" {
		return false
	}
	return doc.Find(selector).Length() > 0
}

// ExtractResultCount 读取结果数量
// 空结果提示存在时为0;找不到数量文本时退回结果行数
func ExtractResultCount(doc *goquery.Document, p SiteProfile) (int, error) {
	if HasMatch(doc, p.EmptyResult) {
		return 0, nil
	}

	if strings.TrimSpace(p.ResultCount) != "" {
		if sel := doc.Find(p.ResultCount).First(); sel.Length() > 0 {
			n, err := parseCount(cleanText(sel.Text()), p.ResultCountPattern)
			if err == nil {
				return n, nil
			}
		}
	}

	rows := countDataRows(doc, p)
	if rows > 0 {
		return rows, nil
	}
	return 0, fmt.Errorf("%w: 页面中没有结果数量或空结果提示", models.ErrExtraction)
}

func parseCount(text, pattern string) (int, error) {
	re := defaultCountPattern
	if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return 0, fmt.Errorf("结果数量正则无效: %w", err)
		}
		re = compiled
	}

	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("结果数量文本无法解析: %q", text)
	}
	digits := m[0]
	if len(m) > 1 {
		digits = m[1]
	}
	return strconv.Atoi(strings.ReplaceAll(digits, ",", ""))
}

func countDataRows(doc *goquery.Document, p SiteProfile) int {
	n := 0
	doc.Find(p.ResultRow).Each(func(_ int, row *goquery.Selection) {
		if cellText(row, p.ShortNameCell) != "" || cellText(row, p.OwnerCell) != "" {
			n++
		}
	})
	return n
}

func cellText(row *goquery.Selection, selector string) string {
	if strings.TrimSpace(selector) == "" {
		return ""
	}
	return cleanText(row.Find(selector).First().Text())
}

// ExtractCandidates 按页面顺序提取结果行,跳过表头等空行
func ExtractCandidates(doc *goquery.Document, p SiteProfile) ([]models.Candidate, error) {
	var cands []models.Candidate
	doc.Find(p.ResultRow).Each(func(_ int, row *goquery.Selection) {
		short := cellText(row, p.ShortNameCell)
		owner := cellText(row, p.OwnerCell)
		if short == "" && owner == "" {
			return
		}

		c := models.Candidate{
			ShortName: models.CanonicalShortName(short),
			Owner:     owner,
		}
		if len(p.ExtraCells) > 0 {
			c.Extra = make(map[string]string, len(p.ExtraCells))
			for name, sel := range p.ExtraCells {
				c.Extra[name] = cellText(row, sel)
			}
		}
		cands = append(cands, c)
	})

	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: 未找到结果行 (%s)", models.ErrExtraction, p.ResultRow)
	}
	return cands, nil
}

// BlockDetector 识别验证码/限流页面
type BlockDetector struct {
	patterns []*regexp.Regexp
}

// NewBlockDetector 编译正则,无效的正则返回错误
func NewBlockDetector(patterns []string) (*BlockDetector, error) {
	d := &BlockDetector{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("拦截识别正则无效 %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// Detect 返回命中的正则
func (d *BlockDetector) Detect(text string) (bool, string) {
	if d == nil {
		return false, ""
	}
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true, re.String()
		}
	}
	return false, ""
}
