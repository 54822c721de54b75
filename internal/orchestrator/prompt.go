package orchestrator

import (
	"strings"
	"unicode/utf8"

	"multiai-chat/internal/domain"
)

// Persona selects the base system prompt shared by all participants.
type Persona string

const (
	PersonaDefault         Persona = "default"
	PersonaCodingTutor     Persona = "coding_tutor"
	PersonaCreativeWriter  Persona = "creative_writer"
	PersonaBusinessAdvisor Persona = "business_advisor"
	PersonaCustom          Persona = "custom"
)

const (
	digestMinResponseRunes = 100
	summaryMaxRunes        = 100
)

const selfDescription = "You're knowledgeable, thoughtful, and aim to be helpful while being honest about the limits of your knowledge."

var personaPrompts = map[Persona]string{
	PersonaDefault:         "You are a helpful AI assistant. " + selfDescription,
	PersonaCodingTutor:     "You are a patient coding tutor. You explain concepts clearly, provide simple examples, and encourage learning through hands-on practice. Always break down complex topics into manageable steps.",
	PersonaCreativeWriter:  "You are a creative writing assistant. You help with storytelling, character development, plot structure, and creative expression. You're imaginative and encouraging.",
	PersonaBusinessAdvisor: "You are a strategic business advisor. You provide insights on strategy, market analysis, product development, and business growth. You think systematically about challenges and opportunities.",
	PersonaCustom:          "You are a helpful AI assistant.",
}

// backendIntros replace the default persona for the backends that know who
// built them.
var backendIntros = map[domain.BackendID]string{
	domain.BackendClaude:  "You are Claude, a helpful AI assistant created by Anthropic. " + selfDescription,
	domain.BackendChatGPT: "You are ChatGPT, a helpful AI assistant created by OpenAI. " + selfDescription,
	domain.BackendGemini:  "You are Gemini, a helpful AI assistant created by Google. " + selfDescription,
	domain.BackendMistral: "You are Mistral, a helpful AI assistant created by Mistral AI. " + selfDescription,
	domain.BackendOllama:  "You are Llama, a helpful AI assistant running locally. When addressed as 'Llama' in conversation, respond naturally as if that's your name. " + selfDescription,
}

// GroupChatContext explains the panel setting and the attribution prefixes.
const GroupChatContext = "You are participating in a group chat with other AI assistants. " +
	"Other AIs may be responding to the same message simultaneously as you. " +
	"Do not promise to wait for others or defer to them - just provide your own response directly. " +
	"When you see messages prefixed with other AI names (like '[ChatGPT]:' or '[Claude]:'), those are responses from other AIs from previous conversation turns. " +
	"You can reference and build upon their previous responses, but provide your own unique perspective.\n\n" +
	"IMPORTANT ATTRIBUTION RULE: Messages prefixed with **[User]**: are from the human user. " +
	"Messages prefixed with [AIName]: (in square brackets without asterisks) are responses from other AI assistants. " +
	"Never attribute user ideas or statements to AI assistants. Always preserve the correct authorship of ideas."

// Valid reports whether p is a known persona. The empty persona is valid and
// means PersonaDefault.
func (p Persona) Valid() bool {
	if p == "" {
		return true
	}
	_, ok := personaPrompts[p]
	return ok
}

// SystemPrompt builds the system prompt for one participant: persona, group
// chat rules, then the digest block when there is one.
func SystemPrompt(p Persona, id domain.BackendID, displayName, digestContext string) string {
	if p == "" {
		p = PersonaDefault
	}
	base := personaPrompts[p]
	if p == PersonaDefault {
		if intro, ok := backendIntros[id]; ok {
			base = intro
		} else if displayName != "" {
			base = "You are " + displayName + ", a helpful AI assistant. " + selfDescription
		}
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(" ")
	b.WriteString(GroupChatContext)
	if digestContext = strings.TrimSpace(digestContext); digestContext != "" {
		b.WriteString("\n\n")
		b.WriteString(digestContext)
	}
	return b.String()
}

// digestWorthy reports whether a response is long enough to feed the digest.
func digestWorthy(text string) bool {
	return utf8.RuneCountInString(text) > digestMinResponseRunes
}

// extractSummary returns the first sentence of text, cut to 100 runes.
func extractSummary(text string) string {
	first, _, _ := strings.Cut(text, ". ")
	if utf8.RuneCountInString(first) <= summaryMaxRunes {
		return first
	}
	r := []rune(first)
	return string(r[:summaryMaxRunes]) + "..."
}
