package generator

import "context"

// LLMClient 抽象大模型流式接口，便于替换/Mock。
// Stream 按顺序回调每个增量文本，返回完整回复；流不可重放。
type LLMClient interface {
	Stream(ctx context.Context, prompt Prompt, onDelta func(string)) (string, error)
}

// LLMSettings 提供给具体实现的基础配置。
type LLMSettings struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}
