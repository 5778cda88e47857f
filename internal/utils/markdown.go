package utils

import (
	"bytes"
	"html"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	mdhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	mdParser = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			mdhtml.WithHardWraps(),
			mdhtml.WithXHTML(),
		),
	)
	policy = bluemonday.UGCPolicy()
)

func init() {
	// Force links to open in new tab
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	policy.RequireNoReferrerOnLinks(true)
}

// RenderMarkdown 将 AI 回答的 Markdown 渲染为安全的 HTML
func RenderMarkdown(source string) string {
	if source == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := mdParser.Convert([]byte(source), &buf); err != nil {
		return "<p>" + html.EscapeString(source) + "</p>" // Fallback
	}
	return string(policy.SanitizeBytes(buf.Bytes()))
}
