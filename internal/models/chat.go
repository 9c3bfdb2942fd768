package models

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Scope is what a thread or command operates on.
type Scope string

const (
	ScopeSelection Scope = "selection"
	ScopeNote      Scope = "note"
	ScopeVault     Scope = "vault"
)

// ProviderKind tags a provider configuration.
type ProviderKind string

const (
	ProviderOllama           ProviderKind = "ollama"
	ProviderOpenAICompatible ProviderKind = "openai_compatible"
)

// ProviderSnapshot records the provider configuration active when a message
// was appended.
type ProviderSnapshot struct {
	Kind        ProviderKind `json:"kind"`
	BaseURL     string       `json:"baseUrl"`
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature"`
}

// ChatMessage is one entry of a chat thread. CreatedAt is epoch milliseconds.
type ChatMessage struct {
	ID               string           `json:"id"`
	Role             Role             `json:"role"`
	Content          string           `json:"content"`
	CreatedAt        int64            `json:"createdAt"`
	CommandID        string           `json:"commandId,omitempty"`
	NotePath         string           `json:"notePath,omitempty"`
	ProviderSnapshot ProviderSnapshot `json:"providerSnapshot"`
	TokenEstimate    int              `json:"tokenEstimate,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// ChatThread is an ordered conversation tied to one note or to the vault.
type ChatThread struct {
	ID        string        `json:"id"`
	Scope     Scope         `json:"scope"`
	NotePath  string        `json:"notePath,omitempty"`
	Title     string        `json:"title"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
	Messages  []ChatMessage `json:"messages"`
}

// Clone returns a copy of the thread that owns its message slice.
func (t ChatThread) Clone() ChatThread {
	out := t
	out.Messages = make([]ChatMessage, len(t.Messages))
	copy(out.Messages, t.Messages)
	return out
}
