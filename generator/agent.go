package generator

import (
	"context"
	"errors"
	"strings"

	"shiny_assistant/markup"
)

const (
	DefaultMaxTokens     = 3000
	DefaultHistoryBudget = 16000
)

// Agent 负责根据会话历史和当前应用代码流式生成回复。
type Agent struct {
	llm           LLMClient
	maxTokens     int
	historyBudget int
}

func NewAgent(llm LLMClient, maxTokens, historyBudget int) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("llm client is required")
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if historyBudget <= 0 {
		historyBudget = DefaultHistoryBudget
	}
	return &Agent{llm: llm, maxTokens: maxTokens, historyBudget: historyBudget}, nil
}

// Respond streams one assistant turn. files may be nil when no app exists yet.
func (a *Agent) Respond(ctx context.Context, system string, history []Message, files *markup.FileSet, onDelta func(string)) (string, error) {
	prompt, err := BuildPrompt(system, history, files, a.maxTokens, a.historyBudget)
	if err != nil {
		return "", err
	}
	raw, err := a.llm.Stream(ctx, prompt, onDelta)
	if err != nil {
		return raw, err
	}
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("model returned empty response")
	}
	return raw, nil
}
