package backend

import (
	"time"

	"multiai-chat/internal/domain"
)

// Info is the static description of a backend.
type Info struct {
	ID          domain.BackendID
	DisplayName string
	// SecretName is the credential provider id; empty for backends that
	// need no credential.
	SecretName string
	Timeout    time.Duration
	Local      bool
}

// knownBackends lists every backend the system can talk to. Adding a backend
// means adding an entry here and registering its adapter. ChatGPT's timeout
// covers two 120s attempts and the 2s pause between them.
var knownBackends = map[domain.BackendID]Info{
	domain.BackendClaude:  {ID: domain.BackendClaude, DisplayName: "Claude", SecretName: "anthropic", Timeout: 60 * time.Second},
	domain.BackendChatGPT: {ID: domain.BackendChatGPT, DisplayName: "ChatGPT", SecretName: "openai", Timeout: 242 * time.Second},
	domain.BackendGemini:  {ID: domain.BackendGemini, DisplayName: "Gemini", SecretName: "gemini", Timeout: 60 * time.Second},
	domain.BackendMistral: {ID: domain.BackendMistral, DisplayName: "Mistral", SecretName: "mistral", Timeout: 60 * time.Second},
	domain.BackendOllama:  {ID: domain.BackendOllama, DisplayName: "Llama", Timeout: 60 * time.Second, Local: true},
}

// Order is the canonical ordering used when listing backends.
var Order = []domain.BackendID{
	domain.BackendClaude,
	domain.BackendChatGPT,
	domain.BackendGemini,
	domain.BackendMistral,
	domain.BackendOllama,
}

// Known returns the built-in description of id.
func Known(id domain.BackendID) (Info, bool) {
	info, ok := knownBackends[id]
	return info, ok
}

// DisplayName returns the human name for id, falling back to the raw id.
func DisplayName(id domain.BackendID) string {
	if info, ok := knownBackends[id]; ok {
		return info.DisplayName
	}
	return string(id)
}
