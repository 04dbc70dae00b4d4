package backend

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response represents a response from the backend.
type Response struct {
	Content      string
	SessionID    string
	Error        string
	IsError      bool     // The agent reported its own run as failed
	TouchedFiles []string // Files written by tool calls during the run
	NumTurns     int
	CostUSD      float64
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string // "claude"
	Command      string // CLI binary, defaults to the backend type
	WorkDir      string
	SessionID    string
	Model        string
	SystemPrompt string
	// AllowedTools is passed through to the CLI; empty leaves its default.
	AllowedTools []string
	// SkipPermissions runs the agent without interactive permission prompts.
	SkipPermissions bool
	ExtraArgs       []string // Appended to every invocation
}
