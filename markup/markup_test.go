package markup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractStripsSingleLeadingNewline(t *testing.T) {
	for _, in := range []string{
		"<SHINYAPP AUTORUN=\"1\"><FILE NAME=\"a.txt\">\nhello</FILE></SHINYAPP>",
		"<SHINYAPP AUTORUN=\"1\"><FILE NAME=\"a.txt\">hello</FILE></SHINYAPP>",
	} {
		fs, ok := Extract(in)
		require.True(t, ok)
		require.Len(t, fs.Files, 1)
		require.Equal(t, "hello", fs.Files[0].Content)
	}

	fs, ok := Extract("<SHINYAPP AUTORUN=\"1\"><FILE NAME=\"a.txt\">\n\n  x</FILE></SHINYAPP>")
	require.True(t, ok)
	require.Equal(t, "\n  x", fs.Files[0].Content)
}

func TestExtractAbsentVersusEmpty(t *testing.T) {
	_, ok := Extract("no markup here")
	require.False(t, ok)

	_, ok = Extract("<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"app.py\">\nx=1\n</FILE>\n")
	require.False(t, ok, "unclosed outer block must be absent")

	fs, ok := Extract(`<SHINYAPP AUTORUN="1"></SHINYAPP>`)
	require.True(t, ok)
	require.NotNil(t, fs.Files)
	require.Empty(t, fs.Files)
	require.True(t, fs.Autorun)
}

func TestExtractMultipleFilesInOrder(t *testing.T) {
	in := "Here you go:\n<SHINYAPP AUTORUN=\"0\">\n" +
		"<FILE NAME=\"app.py\">\nfrom shiny import App\n</FILE>\n" +
		"<FILE NAME=\"data/points.csv\">\nx,y\n1,2\n</FILE>\n" +
		"</SHINYAPP>\nDone."
	fs, ok := Extract(in)
	require.True(t, ok)
	require.False(t, fs.Autorun)
	require.Equal(t, []string{"app.py", "data/points.csv"}, fs.Names())
	require.Equal(t, "from shiny import App\n", fs.Files[0].Content)
	require.Equal(t, "x,y\n1,2\n", fs.Files[1].Content)
	require.Equal(t, KindText, fs.Files[1].Kind)
}

func TestExtractIsIdempotentUnderAppends(t *testing.T) {
	base := "<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"app.py\">\nx=1\n</FILE>\n</SHINYAPP>"
	want, ok := Extract(base)
	require.True(t, ok)

	for _, suffix := range []string{
		"\nSome explanation.",
		"\n<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"app.py\">\ny=2",
		"\n<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"other.py\">\ny=2\n</FILE>\n</SHINYAPP>",
	} {
		got, ok := Extract(base + suffix)
		require.True(t, ok)
		require.True(t, want.Equal(got), "suffix %q changed the result: %#v", suffix, got)
	}
}

func TestExtractMalformed(t *testing.T) {
	// file block never closed before the outer closer: dropped
	fs, ok := Extract("<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"a.py\">\nx\n</FILE>\n<FILE NAME=\"b.py\">\ny\n</SHINYAPP>")
	require.True(t, ok)
	require.Equal(t, []string{"a.py"}, fs.Names())

	// stray closer and nested opener are plain text
	fs, ok = Extract("</FILE><SHINYAPP AUTORUN=\"1\"></FILE><SHINYAPP AUTORUN=\"0\"><FILE NAME=\"a.py\">z</FILE></SHINYAPP>")
	require.True(t, ok)
	require.True(t, fs.Autorun)
	require.Equal(t, []string{"a.py"}, fs.Names())

	// bad autorun value is not an outer marker
	_, ok = Extract(`<SHINYAPP AUTORUN="2"></SHINYAPP>`)
	require.False(t, ok)
}

func TestExtractKeepsDuplicateNames(t *testing.T) {
	fs, ok := Extract("<SHINYAPP AUTORUN=\"1\"><FILE NAME=\"a\">1</FILE><FILE NAME=\"a\">2</FILE></SHINYAPP>")
	require.True(t, ok)
	require.Len(t, fs.Files, 2)
	f, found := fs.Lookup("a")
	require.True(t, found)
	require.Equal(t, "2", f.Content)
}

func TestHasClosedBlock(t *testing.T) {
	require.False(t, HasClosedBlock(`<SHINYAPP AUTORUN="1">`))
	require.False(t, HasClosedBlock(`</SHINYAPP>`))
	require.True(t, HasClosedBlock(`<SHINYAPP AUTORUN="1"></SHINYAPP>`))
}

func TestTransformPresentation(t *testing.T) {
	out := Transform("<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"app.py\">\nprint(1)\n</FILE>\n</SHINYAPP>")

	order := []string{
		"<div class='assistant-shinyapp'>",
		"<div class='filename'>app.py</div>",
		"```",
		"print(1)",
		"\n```\n</div>",
	}
	last := -1
	for _, part := range order {
		idx := strings.Index(out[last+1:], part)
		require.GreaterOrEqual(t, idx, 0, "missing %q in %q", part, out)
		last += 1 + idx
	}
	require.NotContains(t, out, "<SHINYAPP")
	require.NotContains(t, out, "<FILE")
	require.NotContains(t, out, "</FILE>")
}

func TestTransformPartialMarkersPassThrough(t *testing.T) {
	require.Equal(t, "<SHINYAPP AUT", Transform("<SHINYAPP AUT"))
	require.Equal(t, "text\n<FILE NAME=\"app", Transform("text\n<FILE NAME=\"app"))
}

func TestTransformIsStableOnCumulativeInput(t *testing.T) {
	full := "Intro\n<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"app.py\">\nx=1\n</FILE>\n</SHINYAPP>\nOutro"
	once := Transform(full)
	require.Equal(t, once, Transform(once))

	// every prefix transforms to a prefix-consistent rendering once its markers are complete
	require.True(t, strings.HasPrefix(Transform(full), Transform(full[:strings.Index(full, "x=1")])))
}

func TestFenceLanguage(t *testing.T) {
	require.NotEmpty(t, FenceLanguage("app.py"))
	require.Empty(t, FenceLanguage("no-extension-here"))
}
