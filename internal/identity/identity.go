// Package identity 负责规范化 URL 与推导下载文件名
package identity

import (
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"nadecon/internal/mime"
)

const (
	// MaxFilenameLength 文件名最大长度（字符数）
	MaxFilenameLength = 200
	// DefaultFilename 清理后为空时使用的文件名
	DefaultFilename = "downloaded_file"
	// PlaceholderName URL 路径末段为空时使用的基础名
	PlaceholderName = "unknown"
	// UnparsableName URL 无法解析时使用的基础名
	UnparsableName = "unknown_file"
)

// transientParams 规范化时移除的临时参数（字节范围与统计标记）
var transientParams = map[string]struct{}{
	"bytestart": {},
	"byteend":   {},
	"_nc_cat":   {},
}

var (
	extendedFilenameRe = regexp.MustCompile(`(?i)filename\*\s*=\s*(?:[^';\s]*'[^';\s]*')?([^;\s]+)`)
	quotedFilenameRe   = regexp.MustCompile(`(?i)filename\s*=\s*"([^"]+)"`)
	bareFilenameRe     = regexp.MustCompile(`(?i)filename\s*=\s*([^;\s]+)`)
	forbiddenCharsRe   = regexp.MustCompile(`[/?%*:|"<>\\]`)
)

type queryPair struct {
	key   string
	value string
}

// Canonicalize 返回 URL 的规范形式：移除临时参数，查询参数按键、值排序，主机名小写
// 解析失败时原样返回
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	u.ForceQuery = false

	if u.RawQuery == "" {
		return u.String()
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return raw
	}

	pairs := make([]queryPair, 0, len(values))
	for k, vs := range values {
		if _, skip := transientParams[k]; skip {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, queryPair{key: k, value: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	u.RawQuery = b.String()
	return u.String()
}

// ContentDispositionFilename 从 Content-Disposition 中提取文件名
// 依次尝试 filename*=、filename="..."、filename=...，解码失败时返回原文
func ContentDispositionFilename(cd string) (string, bool) {
	if cd == "" {
		return "", false
	}
	if m := extendedFilenameRe.FindStringSubmatch(cd); m != nil {
		if name := decode(strings.Trim(m[1], `"'`)); name != "" {
			return name, true
		}
	}
	if m := quotedFilenameRe.FindStringSubmatch(cd); m != nil {
		if name := decode(m[1]); name != "" {
			return name, true
		}
	}
	if m := bareFilenameRe.FindStringSubmatch(cd); m != nil {
		if name := decode(strings.Trim(m[1], `"'`)); name != "" {
			return name, true
		}
	}
	return "", false
}

func decode(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// ResolveFilename 根据 URL、内容类型与 Content-Disposition 推导清理后的文件名
func ResolveFilename(rawURL, contentType, contentDisposition string) string {
	if name, ok := ContentDispositionFilename(contentDisposition); ok {
		return Sanitize(name)
	}

	name := baseName(rawURL)
	if !strings.Contains(name, ".") && contentType != "" {
		if ext := inferExtension(rawURL, contentType); ext != "" {
			name = name + "." + ext
		}
	}
	return Sanitize(name)
}

// baseName 取 URL 路径的最后一段
func baseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return UnparsableName
	}
	escaped := u.EscapedPath()
	seg := escaped
	if i := strings.LastIndexByte(escaped, '/'); i >= 0 {
		seg = escaped[i+1:]
	}
	if seg == "" {
		return PlaceholderName
	}
	return decode(seg)
}

// inferExtension 按内容类型推断扩展名
func inferExtension(rawURL, contentType string) string {
	if ext, ok := mime.DefaultExtension(contentType); ok {
		return ext
	}
	sub := mime.Subtype(contentType)
	if sub == "octet-stream" {
		lower := strings.ToLower(rawURL)
		switch {
		case strings.Contains(lower, ".ts"):
			return "ts"
		case strings.Contains(lower, ".bin"), strings.Contains(lower, ".dat"):
			return "bin"
		}
	}
	return sub
}

// Extension 返回文件名最后一个点之后的小写扩展名，没有则为空
func Extension(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// Sanitize 清理文件名中的非法字符并限制长度
func Sanitize(filename string) string {
	namePart, extPart := filename, ""
	if i := strings.LastIndexByte(filename, '.'); i > 0 {
		namePart, extPart = filename[:i], filename[i:]
	}

	namePart = forbiddenCharsRe.ReplaceAllString(namePart, "_")
	namePart = strings.TrimFunc(namePart, func(r rune) bool { return r == '.' || isSpace(r) })
	extPart = forbiddenCharsRe.ReplaceAllString(extPart, "_")
	extPart = strings.TrimRightFunc(extPart, isSpace)

	nameRunes := []rune(namePart)
	extRunes := []rune(extPart)
	if len(nameRunes)+len(extRunes) > MaxFilenameLength {
		if avail := MaxFilenameLength - len(extRunes); avail > 0 {
			nameRunes = nameRunes[:avail]
		} else {
			nameRunes = nil
			extRunes = extRunes[:MaxFilenameLength]
		}
	}
	out := strings.TrimSpace(string(nameRunes)) + string(extRunes)
	if out == "" || out == "." {
		return DefaultFilename
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
