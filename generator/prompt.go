package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"shiny_assistant/markup"
)

// Greeting 是新会话的第一条助手消息。
const Greeting = `Hello, I'm Shiny Assistant! I'm here to help you with [Shiny](https://shiny.posit.co),
a web framework for data driven apps. You can ask me questions about how to use Shiny,
to explain how certain things work in Shiny, or even ask me to build a Shiny app for you.

Here are some examples:

- "How do I add a plot to an application?"
- "Create an app that shows a normal distribution."
- "Show me how make it so a table will update only after a button is clicked."
- Ask me, "Open the editor", then copy and paste your existing Shiny code into the editor, and then ask me to make changes to it.

Let's get started! 🚀
`

var verbosityInstructions = map[Verbosity]string{
	VerbosityCodeOnly: "If you are providing a Shiny app, please provide only the code." +
		" Do not add any other text, explanations, or instructions unless" +
		" absolutely necessary. Do not tell the user how to install Shiny or run" +
		" the app, because they already know that.",
	VerbosityConcise: "Be concise when explaining the code." +
		" Do not tell the user how to install Shiny or run the app, because they" +
		" already know that.",
	VerbosityVerbose: "",
}

var languagePrompts = map[Language]string{
	LanguagePython: "- Use Shiny for Python (`from shiny import App, render, ui`). Prefer Shiny Core syntax.\n" +
		"- The main file must be named `app.py` and must define `app = App(app_ui, server)`.\n" +
		"- If the app needs extra packages, add a `requirements.txt` file listing them.\n" +
		"- Use `@render.plot`, `@render.table`, `@render.text` and `@reactive.calc` where appropriate.\n",
}

// ParseVerbosity accepts the UI labels; unknown values fall back to Concise.
func ParseVerbosity(s string) Verbosity {
	v := Verbosity(strings.TrimSpace(s))
	if _, ok := verbosityInstructions[v]; ok {
		return v
	}
	return VerbosityConcise
}

// BuildSystemPrompt 生成系统提示词，包含应用标记格式约定。
func BuildSystemPrompt(lang Language, verbosity Verbosity) (string, error) {
	specific, ok := languagePrompts[lang]
	if !ok {
		return "", fmt.Errorf("language %q not supported", lang)
	}
	instr, ok := verbosityInstructions[verbosity]
	if !ok {
		return "", fmt.Errorf("verbosity %q not supported", verbosity)
	}

	var sb strings.Builder
	sb.WriteString("You are Shiny Assistant, an expert in building Shiny apps in ")
	sb.WriteString(string(lang))
	sb.WriteString(". You help users learn Shiny, answer questions about it, and write or modify Shiny apps for them.\n\n")
	sb.WriteString("When you provide a complete app, wrap it in app markup so it can be run live:\n\n")
	sb.WriteString("<SHINYAPP AUTORUN=\"1\">\n<FILE NAME=\"app.py\">\n...file content...\n</FILE>\n</SHINYAPP>\n\n")
	sb.WriteString("Rules for app markup:\n")
	sb.WriteString("- Put every file of the app in its own <FILE NAME=\"...\"> block, using a relative path.\n")
	sb.WriteString("- Always send the full content of every file, never a partial diff.\n")
	sb.WriteString("- Use AUTORUN=\"1\" when the app should run right away, AUTORUN=\"0\" for examples that should only be shown.\n")
	sb.WriteString("- Use at most one <SHINYAPP> block per response.\n")
	sb.WriteString("- Do not put the markup inside a markdown code fence.\n\n")
	sb.WriteString(specific)
	if instr != "" {
		sb.WriteString("\n")
		sb.WriteString(instr)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// RemoveConsecutiveMessages keeps only the last message of each run of
// same-role messages, e.g. after a failed turn left two user messages in a row.
func RemoveConsecutiveMessages(msgs []Message) []Message {
	if len(msgs) < 2 {
		return msgs
	}
	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs)-1; i++ {
		if msgs[i].Role != msgs[i+1].Role {
			out = append(out, msgs[i])
		}
	}
	return append(out, msgs[len(msgs)-1])
}

// WithAppCode 把当前应用代码（JSON）注入到最后一条用户消息之前。
func WithAppCode(msgs []Message, files *markup.FileSet) ([]Message, error) {
	if files == nil || len(msgs) == 0 {
		return msgs, nil
	}
	last := len(msgs) - 1
	if msgs[last].Role != RoleUser {
		return msgs, nil
	}
	code, err := json.MarshalIndent(files.Files, "", "  ")
	if err != nil {
		return nil, err
	}
	out := append([]Message(nil), msgs...)
	out[last].Content = fmt.Sprintf(`
The following is the current app code in JSON format. The text that comes after this app
code might ask you to modify the code. If it does, please modify the code. If the text
does not ask you to modify the code, then ignore the code.

`+"```"+`
%s
`+"```"+`

%s
`, code, msgs[last].Content)
	return out, nil
}

// EstimateTokens: tokens ≈ ceil(utf8 字节数 / 4)。
func EstimateTokens(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TrimToBudget drops the oldest messages until the estimated size fits in
// budget tokens. The latest message is always kept.
func TrimToBudget(msgs []Message, budget int) []Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	start := 0
	for total > budget && start < len(msgs)-1 {
		total -= EstimateTokens(msgs[start].Content)
		start++
	}
	return msgs[start:]
}

// BuildPrompt assembles the request for one turn: consecutive duplicates
// collapsed, current app code injected, history trimmed to historyBudget.
func BuildPrompt(system string, history []Message, files *markup.FileSet, maxTokens, historyBudget int) (Prompt, error) {
	msgs := RemoveConsecutiveMessages(history)
	msgs, err := WithAppCode(msgs, files)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{
		System:    system,
		Messages:  TrimToBudget(msgs, historyBudget),
		MaxTokens: maxTokens,
	}, nil
}
