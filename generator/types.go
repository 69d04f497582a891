package generator

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role/content pair of the chat history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt 表示发送给 LLM 的一次请求。
type Prompt struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Verbosity controls how much prose the model adds around code.
type Verbosity string

const (
	VerbosityCodeOnly Verbosity = "Code only"
	VerbosityConcise  Verbosity = "Concise"
	VerbosityVerbose  Verbosity = "Verbose"
)

// Language is the target language of generated apps.
type Language string

const LanguagePython Language = "python"
