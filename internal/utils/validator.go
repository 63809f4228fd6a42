package utils

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"golang.org/x/net/http/httpguts"
)

// MaxHeaderValueLength 单个头部值上限,Cookie 较长时也应在此之内
const MaxHeaderValueLength = 8192

// BrowserManagedHeaders 由浏览器或HTTP客户端自行生成的头部
// 通过 Network.setExtraHTTPHeaders 覆盖会被浏览器丢弃,或与真实请求不一致
var BrowserManagedHeaders = []string{
	"Host",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Upgrade",
	"Te",
	"Trailer",
	"Expect",
	"Accept-Encoding",
}

// browserManagedPrefixes 客户端提示与请求元数据,由浏览器按页面上下文生成
var browserManagedPrefixes = []string{"Sec-Fetch-", "Sec-Ch-", "Proxy-"}

// HeaderValidator 检查用户头部能否同时用于浏览器页面和日历抓取
type HeaderValidator struct {
	managed map[string]bool
}

// NewHeaderValidator 创建验证器
func NewHeaderValidator() *HeaderValidator {
	managed := make(map[string]bool, len(BrowserManagedHeaders))
	for _, h := range BrowserManagedHeaders {
		managed[http.CanonicalHeaderKey(h)] = true
	}
	return &HeaderValidator{managed: managed}
}

// IsForbidden 头部由浏览器管理,不允许配置
func (hv *HeaderValidator) IsForbidden(name string) bool {
	name = http.CanonicalHeaderKey(name)
	if hv.managed[name] {
		return true
	}
	for _, p := range browserManagedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ValidateHeader 验证单个头部
func (hv *HeaderValidator) ValidateHeader(name, value string) error {
	if name == "" {
		return &models.ValidationError{Field: "name", Reason: "头部名称不能为空"}
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return &models.ValidationError{
			Field:      "name",
			HeaderName: name,
			Reason:     "头部名称包含非法字符",
			Suggestion: "使用字母、数字和连字符,如 'X-Requested-With'",
		}
	}
	if hv.IsForbidden(name) {
		return &models.ValidationError{
			Field:      "name",
			HeaderName: name,
			Reason:     "此头部由浏览器生成,页面中设置不会生效",
			Suggestion: fmt.Sprintf("移除 '%s'", name),
		}
	}

	if len(value) > MaxHeaderValueLength {
		return &models.ValidationError{
			Field:      "value",
			HeaderName: name,
			Reason:     fmt.Sprintf("头部值过长: %d 字节 (最大 %d)", len(value), MaxHeaderValueLength),
		}
	}
	// CDP 以 JSON 字符串传递头部,非ASCII字节会被浏览器拒绝
	if !httpguts.ValidHeaderFieldValue(value) || !isASCII(value) {
		return &models.ValidationError{
			Field:      "value",
			HeaderName: name,
			Reason:     "头部值包含控制字符或非ASCII字符",
			Suggestion: "中文等内容需先进行URL编码",
		}
	}

	switch http.CanonicalHeaderKey(name) {
	case "Cookie":
		return validateCookie(value)
	case "User-Agent":
		// 登记站点会拦截带无头标记的UA
		if strings.Contains(value, "HeadlessChrome") {
			return &models.ValidationError{
				Field:      "value",
				HeaderName: name,
				Reason:     "User-Agent 含有 HeadlessChrome 标记,容易被识别为爬虫",
				Suggestion: "使用普通桌面浏览器的 User-Agent",
			}
		}
	}
	return nil
}

// validateCookie 检查从浏览器复制的登录 Cookie 是否完整
func validateCookie(value string) error {
	if strings.TrimSpace(value) == "" {
		return &models.ValidationError{Field: "value", HeaderName: "Cookie", Reason: "Cookie 为空"}
	}
	for i, pair := range strings.Split(value, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, _, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return &models.ValidationError{
				Field:      "value",
				HeaderName: "Cookie",
				Reason:     fmt.Sprintf("第%d项 %q 不是 name=value 格式", i+1, pair),
				Suggestion: "从浏览器开发者工具复制完整的 Cookie 请求头",
			}
		}
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Validate 验证全部头部
// 页面通过 CDP 设置头部时每个名称只保留一个值,重复的值视为配置错误
func (hv *HeaderValidator) Validate(headers http.Header) error {
	for name, values := range headers {
		if len(values) > 1 {
			return &models.ValidationError{
				Field:      "value",
				HeaderName: name,
				Reason:     fmt.Sprintf("同一头部配置了%d个值", len(values)),
				Suggestion: "合并为一个值,Cookie 用 '; ' 连接",
			}
		}
		for _, value := range values {
			if err := hv.ValidateHeader(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}
