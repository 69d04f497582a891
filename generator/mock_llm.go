package generator

import (
	"context"
	"strings"
)

// MockLLM 一个简单的占位实现，便于本地调试，不调用外部模型。
// 默认回复包含一个可运行的 Shiny 应用，按 ChunkSize 字节切片流式返回。
type MockLLM struct {
	Response  string
	ChunkSize int
}

const mockApp = `<SHINYAPP AUTORUN="1">
<FILE NAME="app.py">
from shiny import App, render, ui
import numpy as np
import matplotlib.pyplot as plt

app_ui = ui.page_sidebar(
    ui.sidebar(
        ui.input_slider("bins", "Number of bins", min=1, max=50, value=30),
    ),
    ui.card(
        ui.output_plot("histogram"),
    ),
)

def server(input, output, session):
    @render.plot
    def histogram():
        rng = np.random.default_rng(0)
        eruptions = np.concatenate([
            rng.normal(2, 0.5, 100),
            rng.normal(4.5, 0.5, 100)
        ])
        fig, ax = plt.subplots()
        ax.hist(eruptions, bins=input.bins(), density=True)
        ax.set_xlabel("Eruption duration (minutes)")
        ax.set_ylabel("Density")
        return fig

app = App(app_ui, server)
</FILE>
</SHINYAPP>
`

func (m MockLLM) Stream(ctx context.Context, prompt Prompt, onDelta func(string)) (string, error) {
	resp := m.Response
	if resp == "" {
		var sb strings.Builder
		sb.WriteString("Here is an app for your request")
		if last, ok := lastUserLine(prompt.Messages); ok {
			sb.WriteString(": ")
			sb.WriteString(last)
		}
		sb.WriteString("\n\n")
		sb.WriteString(mockApp)
		resp = sb.String()
	}
	size := m.ChunkSize
	if size <= 0 {
		size = 16
	}
	for i := 0; i < len(resp); i += size {
		if err := ctx.Err(); err != nil {
			return resp[:i], err
		}
		end := min(i+size, len(resp))
		if onDelta != nil {
			onDelta(resp[i:end])
		}
	}
	return resp, nil
}

// lastUserLine 取最后一条用户消息的最后一行（跳过注入的应用代码）。
func lastUserLine(msgs []Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != RoleUser {
			continue
		}
		lines := strings.Split(strings.TrimSpace(msgs[i].Content), "\n")
		return strings.TrimSpace(lines[len(lines)-1]), true
	}
	return "", false
}
