package markup

import "strings"

const (
	outerOpenPrefix = `<SHINYAPP AUTORUN="`
	outerClose      = `</SHINYAPP>`
	fileOpenPrefix  = `<FILE NAME="`
	fileClose       = `</FILE>`
	attrEnd         = `">`
)

type tokenKind int

const (
	tokOuterOpen tokenKind = iota + 1
	tokOuterClose
	tokFileOpen
	tokFileClose
)

// token is one recognized marker; start/end are byte offsets into the source.
type token struct {
	kind    tokenKind
	start   int
	end     int
	name    string
	autorun bool
}

// nextToken returns the first complete marker at or after from.
// Anything that only looks like a marker (wrong attribute, not yet
// terminated) is skipped as plain text.
func nextToken(s string, from int) (token, bool) {
	for i := from; i < len(s); {
		j := strings.IndexByte(s[i:], '<')
		if j < 0 {
			return token{}, false
		}
		i += j
		if tok, ok := markerAt(s, i); ok {
			return tok, true
		}
		i++
	}
	return token{}, false
}

func markerAt(s string, i int) (token, bool) {
	rest := s[i:]
	switch {
	case strings.HasPrefix(rest, outerClose):
		return token{kind: tokOuterClose, start: i, end: i + len(outerClose)}, true
	case strings.HasPrefix(rest, fileClose):
		return token{kind: tokFileClose, start: i, end: i + len(fileClose)}, true
	case strings.HasPrefix(rest, outerOpenPrefix):
		// <SHINYAPP AUTORUN="0"> or <SHINYAPP AUTORUN="1">
		v := rest[len(outerOpenPrefix):]
		if len(v) < 1+len(attrEnd) || (v[0] != '0' && v[0] != '1') || !strings.HasPrefix(v[1:], attrEnd) {
			return token{}, false
		}
		end := i + len(outerOpenPrefix) + 1 + len(attrEnd)
		return token{kind: tokOuterOpen, start: i, end: end, autorun: v[0] == '1'}, true
	case strings.HasPrefix(rest, fileOpenPrefix):
		v := rest[len(fileOpenPrefix):]
		k := strings.Index(v, attrEnd)
		if k <= 0 {
			return token{}, false
		}
		name := v[:k]
		if strings.ContainsAny(name, "\n<\"") {
			return token{}, false
		}
		end := i + len(fileOpenPrefix) + k + len(attrEnd)
		return token{kind: tokFileOpen, start: i, end: end, name: name}, true
	}
	return token{}, false
}
