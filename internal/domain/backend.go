package domain

// BackendID identifies one AI model backend taking part in a conversation.
type BackendID string

const (
	BackendClaude  BackendID = "claude"
	BackendChatGPT BackendID = "chatgpt"
	BackendGemini  BackendID = "gemini"
	BackendMistral BackendID = "mistral"
	BackendOllama  BackendID = "ollama"
)

func (id BackendID) String() string { return string(id) }

// ContainsBackend reports whether id is present in ids.
func ContainsBackend(ids []BackendID, id BackendID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
