package markup

import (
	"html"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
)

var (
	outerOpenRe = regexp.MustCompile(`<SHINYAPP AUTORUN="[01]">`)
	fileOpenRe  = regexp.MustCompile(`\n<FILE NAME="([^"\n<]+)">`)
)

// Transform rewrites the app markup into display markdown. It is a pure
// function of its input, so callers may run it on the whole cumulative
// response for every chunk. Markers that are not complete yet pass through
// unchanged and get rewritten on a later call.
func Transform(content string) string {
	content = outerOpenRe.ReplaceAllString(content, "<div class='assistant-shinyapp'>\n")
	content = fileOpenRe.ReplaceAllStringFunc(content, func(m string) string {
		name := fileOpenRe.FindStringSubmatch(m)[1]
		var b strings.Builder
		b.WriteString("\n<div class='assistant-shinyapp-file'>\n<div class='filename'>")
		b.WriteString(html.EscapeString(name))
		b.WriteString("</div>\n\n```")
		b.WriteString(FenceLanguage(name))
		return b.String()
	})
	content = strings.ReplaceAll(content, "\n"+fileClose, "\n```\n</div>")
	content = strings.ReplaceAll(content, outerClose, "</div>")
	return content
}

// FenceLanguage guesses the info string of a fenced code block from a
// filename, e.g. "python" for app.py. Unknown types get "".
func FenceLanguage(name string) string {
	lexer := lexers.Match(name)
	if lexer == nil {
		return ""
	}
	cfg := lexer.Config()
	if cfg == nil || len(cfg.Aliases) == 0 {
		return ""
	}
	return cfg.Aliases[0]
}
