package worker

import (
	"net/url"
	"path"
	"strings"
)

// Class 是资源分类结果。
type Class string

const (
	ClassStatic   Class = "static"
	ClassDocument Class = "document"
	ClassAPI      Class = "api"
)

// Strategy 是分类对应的缓存策略名称。
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyNetworkFirst         Strategy = "network-first"
)

// StrategyFor 返回分类固定绑定的策略。
func StrategyFor(class Class) Strategy {
	switch class {
	case ClassDocument:
		return StrategyStaleWhileRevalidate
	case ClassAPI:
		return StrategyNetworkFirst
	default:
		return StrategyCacheFirst
	}
}

// Rule 是一条分类规则，Match 只看 URL path（不含查询串）。
type Rule struct {
	Name  string
	Class Class
	Match func(p string) bool
}

var staticExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".mjs": {}, ".map": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".avif": {}, ".svg": {}, ".ico": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".pdf": {}, ".bib": {}, ".txt": {}, ".xml": {}, ".webmanifest": {},
	".mp4": {}, ".webm": {}, ".mp3": {},
}

func extension(p string) string {
	return strings.ToLower(path.Ext(p))
}

// DefaultRules 按顺序匹配，先命中者生效；都不命中时回落为 static。
var DefaultRules = []Rule{
	{
		Name:  "document",
		Class: ClassDocument,
		Match: func(p string) bool {
			if p == "" || strings.HasSuffix(p, "/") {
				return true
			}
			ext := extension(p)
			return ext == ".html" || ext == ".htm"
		},
	},
	{
		Name:  "api",
		Class: ClassAPI,
		Match: func(p string) bool {
			return strings.Contains(p, "/api/") || extension(p) == ".json"
		},
	},
	{
		Name:  "static-asset",
		Class: ClassStatic,
		Match: func(p string) bool {
			_, ok := staticExtensions[extension(p)]
			return ok
		},
	},
}

// Classify 对 URL 应用规则列表。
func Classify(rules []Rule, u *url.URL) Class {
	p := ""
	if u != nil {
		p = u.Path
	}
	for _, rule := range rules {
		if rule.Match(p) {
			return rule.Class
		}
	}
	return ClassStatic
}
