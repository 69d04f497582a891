// Package markup understands the app markup the model emits:
//
//	<SHINYAPP AUTORUN="1">
//	<FILE NAME="app.py">
//	...
//	</FILE>
//	</SHINYAPP>
//
// Extract turns a closed block into a FileSet; Transform rewrites the
// markers into display markdown while the response is still streaming.
package markup

import "strings"

type parseState int

const (
	stateOutside parseState = iota
	stateInOuter
	stateInFile
)

// Extract returns the FileSet of the first closed <SHINYAPP> block in text.
// ok is false while no outer block has been closed yet; a closed block
// without file blocks yields an empty, non-nil set.
//
// Malformed input never fails: stray closers and nested openers are read
// as text, and a file block still open when the outer block closes is dropped.
func Extract(text string) (fs FileSet, ok bool) {
	state := stateOutside
	var (
		set       FileSet
		fileName  string
		bodyStart int
	)
	for pos := 0; ; {
		tok, found := nextToken(text, pos)
		if !found {
			return FileSet{}, false
		}
		pos = tok.end

		switch state {
		case stateOutside:
			if tok.kind == tokOuterOpen {
				set = FileSet{Autorun: tok.autorun, Files: []ExtractedFile{}}
				state = stateInOuter
			}
		case stateInOuter:
			switch tok.kind {
			case tokFileOpen:
				fileName, bodyStart = tok.name, tok.end
				state = stateInFile
			case tokOuterClose:
				return set, true
			}
		case stateInFile:
			switch tok.kind {
			case tokFileClose:
				set.Files = append(set.Files, ExtractedFile{
					Name:    fileName,
					Content: strings.TrimPrefix(text[bodyStart:tok.start], "\n"),
					Kind:    KindText,
				})
				state = stateInOuter
			case tokOuterClose:
				return set, true
			}
		}
	}
}

// HasClosedBlock is a cheap pre-check before calling Extract on every chunk.
func HasClosedBlock(text string) bool {
	return strings.Contains(text, outerClose) && strings.Contains(text, outerOpenPrefix)
}
