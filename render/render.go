// Package render turns chat markdown and app files into HTML for the browser.
package render

import (
	"bytes"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"shiny_assistant/markup"
)

// md 允许原始 HTML：markup.Transform 产出的 <div> 容器需要原样保留。
var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

// Markdown converts display markdown (already passed through
// markup.Transform) into HTML.
func Markdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Message is the full display pipeline for one assistant message:
// markup rewrite followed by markdown conversion.
func Message(raw string) (display, htmlOut string, err error) {
	display = markup.Transform(raw)
	htmlOut, err = Markdown(display)
	return display, htmlOut, err
}

// File highlights one app file as a standalone HTML fragment with inline styles.
func File(name, content string) (string, error) {
	lexer := lexers.Match(name)
	if lexer == nil {
		lexer = lexers.Analyse(content)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("github")
	if style == nil {
		style = styles.Fallback
	}
	formatter := chromahtml.New(chromahtml.WithLineNumbers(true), chromahtml.TabWidth(4))

	it, err := lexer.Tokenise(nil, content)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, it); err != nil {
		return "", err
	}
	return buf.String(), nil
}
