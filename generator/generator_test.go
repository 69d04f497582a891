package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"shiny_assistant/markup"
)

func TestBuildSystemPrompt(t *testing.T) {
	p, err := BuildSystemPrompt(LanguagePython, VerbosityCodeOnly)
	require.NoError(t, err)
	require.Contains(t, p, `<SHINYAPP AUTORUN="1">`)
	require.Contains(t, p, "app.py")
	require.Contains(t, p, "please provide only the code")

	p, err = BuildSystemPrompt(LanguagePython, VerbosityVerbose)
	require.NoError(t, err)
	require.NotContains(t, p, "Be concise")

	_, err = BuildSystemPrompt("r", VerbosityConcise)
	require.Error(t, err)
}

func TestParseVerbosity(t *testing.T) {
	require.Equal(t, VerbosityCodeOnly, ParseVerbosity("Code only"))
	require.Equal(t, VerbosityVerbose, ParseVerbosity(" Verbose "))
	require.Equal(t, VerbosityConcise, ParseVerbosity("chatty"))
}

func TestRemoveConsecutiveMessages(t *testing.T) {
	in := []Message{
		{Role: RoleAssistant, Content: "hi"},
		{Role: RoleUser, Content: "first try"},
		{Role: RoleUser, Content: "second try"},
		{Role: RoleAssistant, Content: "answer"},
	}
	out := RemoveConsecutiveMessages(in)
	require.Equal(t, []Message{
		{Role: RoleAssistant, Content: "hi"},
		{Role: RoleUser, Content: "second try"},
		{Role: RoleAssistant, Content: "answer"},
	}, out)
}

func TestWithAppCodeInjectsIntoLastUserMessage(t *testing.T) {
	files := &markup.FileSet{Files: []markup.ExtractedFile{{Name: "app.py", Content: "x=1\n", Kind: markup.KindText}}}
	in := []Message{{Role: RoleUser, Content: "make it blue"}}

	out, err := WithAppCode(in, files)
	require.NoError(t, err)
	require.Equal(t, "make it blue", in[0].Content, "input must not be mutated")
	require.Contains(t, out[0].Content, `"name": "app.py"`)
	require.True(t, strings.HasSuffix(strings.TrimSpace(out[0].Content), "make it blue"))

	out, err = WithAppCode(in, nil)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestTrimToBudgetKeepsLatest(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: strings.Repeat("a", 400)},
		{Role: RoleAssistant, Content: strings.Repeat("b", 400)},
		{Role: RoleUser, Content: strings.Repeat("c", 400)},
	}
	require.Len(t, TrimToBudget(msgs, 250), 2)
	require.Len(t, TrimToBudget(msgs, 1), 1)
	require.Equal(t, msgs[2], TrimToBudget(msgs, 1)[0])
	require.Len(t, TrimToBudget(msgs, 0), 3)
	require.Equal(t, 2, EstimateTokens("abcdef"))
}

func TestMockLLMStreamsInChunks(t *testing.T) {
	var chunks []string
	out, err := MockLLM{Response: "hello world", ChunkSize: 4}.Stream(context.Background(), Prompt{}, func(d string) {
		chunks = append(chunks, d)
	})
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
	require.Equal(t, []string{"hell", "o wo", "rld"}, chunks)
}

func TestMockLLMDefaultReplyHasApp(t *testing.T) {
	out, err := MockLLM{}.Stream(context.Background(), Prompt{Messages: []Message{{Role: RoleUser, Content: "histogram please"}}}, nil)
	require.NoError(t, err)
	require.Contains(t, out, "histogram please")
	fs, ok := markup.Extract(out)
	require.True(t, ok)
	require.Equal(t, []string{"app.py"}, fs.Names())
}

type failingLLM struct{ err error }

func (f failingLLM) Stream(context.Context, Prompt, func(string)) (string, error) { return "", f.err }

func TestAgentRespond(t *testing.T) {
	_, err := NewAgent(nil, 0, 0)
	require.Error(t, err)

	a, err := NewAgent(MockLLM{Response: "ok"}, 0, 0)
	require.NoError(t, err)
	out, err := a.Respond(context.Background(), "sys", []Message{{Role: RoleUser, Content: "hi"}}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	boom := errors.New("boom")
	a, err = NewAgent(failingLLM{err: boom}, 0, 0)
	require.NoError(t, err)
	_, err = a.Respond(context.Background(), "sys", nil, nil, nil)
	require.ErrorIs(t, err, boom)

	a, err = NewAgent(MockLLM{Response: "   "}, 0, 0)
	require.NoError(t, err)
	_, err = a.Respond(context.Background(), "sys", nil, nil, nil)
	require.Error(t, err)
}
