package metrics

import (
	"fmt"
	"regexp"
	"strings"

	"metricboard/internal/constants"
	merrors "metricboard/internal/errors"
)

var (
	nonWordPattern     = regexp.MustCompile(`\W`)
	unsafeServiceChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// ServiceName 取路径的第一个非空段作为服务名，没有时返回 fallback
func ServiceName(path, fallback string) string {
	name, _ := ResolveService(path, fallback)
	return name
}

// ResolveService 同 ServiceName，并报告服务名是否因包含不安全字符而被改写
func ResolveService(path, fallback string) (string, bool) {
	if fallback == "" {
		fallback = constants.DefaultServiceName
	}

	for _, seg := range strings.Split(stripQuery(path), "/") {
		if seg == "" {
			continue
		}
		return SanitizeService(seg, fallback)
	}
	return fallback, false
}

// SanitizeService 服务名会直接作为目录名使用，非 [A-Za-z0-9._-] 字符替换为 _，"." 与 ".." 退回默认值
func SanitizeService(name, fallback string) (string, bool) {
	if name == "." || name == ".." {
		return fallback, true
	}
	clean := unsafeServiceChars.ReplaceAllString(name, "_")
	return clean, clean != name
}

// ValidServiceName 判断外部传入的服务名能否直接映射到目录
func ValidServiceName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !unsafeServiceChars.MatchString(name)
}

// CheckServiceName 校验外部传入的服务名
func CheckServiceName(name string) error {
	if !ValidServiceName(name) {
		return merrors.New(merrors.ErrIdentifier, fmt.Sprintf("非法服务名 %q", name), nil)
	}
	return nil
}

// EndpointPrefix 按 "/" 切分后超过四段的 URL 取前四段作为端点前缀，形如 /a/b/c/d/
func EndpointPrefix(url string) (string, bool) {
	parts := strings.Split(stripQuery(url), "/")
	if len(parts) <= constants.EndpointSegments {
		return "", false
	}
	return "/" + strings.Join(parts[1:constants.EndpointSegments+1], "/") + "/", true
}

// EndpointSlug 端点报表文件名，非单词字符替换为 _
func EndpointSlug(prefix string) string {
	return nonWordPattern.ReplaceAllString(prefix, "_")
}

// MatchesPrefix URL 路径以前缀开头，或恰好等于去掉末尾斜杠的前缀
func MatchesPrefix(url, prefix string) bool {
	p := stripQuery(url)
	return strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/")
}

func stripQuery(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
