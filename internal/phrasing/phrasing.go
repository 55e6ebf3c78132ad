// Package phrasing softens intake questions with an empathetic tone and
// produces session greetings. Every generative call fails open: on any error
// the caller gets usable text back.
package phrasing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openai/openai-go"

	"github.com/intakeflow/intakeflow/internal/genai"
)

const rewriteSystemPrompt = `You are a compassionate legal intake assistant. Your role is to rewrite questions with deep empathy and warmth.

EMPATHY GUIDELINES:
- Always acknowledge their difficult situation first
- Use phrases like "I understand this is difficult", "I'm so sorry you're going through this"
- Show genuine care and concern
- Make them feel safe and supported
- Use gentle, reassuring language
- Validate their feelings

TONE REQUIREMENTS:
- Warm, caring, and professional
- Use "please" and "if you're comfortable sharing"
- Soften direct questions with empathetic lead-ins
- Make it conversational, not interrogative
- Show patience and understanding

Keep placeholders like {name} exactly as they are.
Return only the rewritten empathetic question.

Examples:
Original: What is your first name?
Rewritten: I'm here to help you through this difficult time. To get started, could you please share your first name with me?

Original: What injuries did you sustain?
Rewritten: I'm so sorry to hear about what happened to you. When you're ready, could you please tell me about any injuries you experienced? I know this might be difficult to talk about.

Original: When did this occur?
Rewritten: I understand this must be painful to revisit. If you're comfortable sharing, could you tell me when this incident took place?`

const greetingSystemPrompt = `Create a warm, empathetic greeting for a legal intake agent.
Be professional and caring. Two sentences max. No emojis.`

// Rewriter rephrases intake questions and builds greetings, caching results
// so repeated prompts in long sessions cost a single generative call.
type Rewriter struct {
	client genai.ClientInterface

	mu    sync.Mutex
	cache map[string]string
}

// NewRewriter creates a Rewriter backed by the given generative client.
func NewRewriter(client genai.ClientInterface) *Rewriter {
	return &Rewriter{client: client, cache: make(map[string]string)}
}

// Rewrite returns an empathetic rendering of a question. On generation
// failure or an empty result the original text is returned unchanged.
func (r *Rewriter) Rewrite(ctx context.Context, text string) string {
	if text == "" {
		return ""
	}
	if cached, ok := r.cacheGet(text); ok {
		slog.Debug("phrasing.Rewrite cache hit", "textLength", len(text))
		return cached
	}

	out := text
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(rewriteSystemPrompt),
		openai.UserMessage(fmt.Sprintf("Original: %s\nRewritten:", text)),
	}
	generated, err := r.client.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Warn("phrasing.Rewrite generation failed, using original text", "error", err)
	} else if trimmed := strings.TrimSpace(generated); trimmed != "" {
		out = trimmed
	}

	r.cachePut(text, out)
	return out
}

// Greeting returns an opening line for the agent and firm. On generation
// failure a fixed supportive greeting referencing both is returned.
func (r *Rewriter) Greeting(ctx context.Context, agent, firm string) string {
	key := fmt.Sprintf("greet::%s::%s", agent, firm)
	if cached, ok := r.cacheGet(key); ok {
		return cached
	}

	var out string
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(greetingSystemPrompt),
		openai.UserMessage(fmt.Sprintf("Agent name: %s\nFirm: %s\nGreeting:", agent, firm)),
	}
	generated, err := r.client.GenerateWithMessages(ctx, messages)
	if err != nil || strings.TrimSpace(generated) == "" {
		if err != nil {
			slog.Warn("phrasing.Greeting generation failed, using fallback", "error", err)
		}
		out = fmt.Sprintf("Thank you for calling %s. My name is %s, and I'm here to support you through this difficult time.", firm, agent)
	} else {
		out = strings.TrimSpace(generated)
	}

	r.cachePut(key, out)
	return out
}

func (r *Rewriter) cacheGet(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache[key]
	return v, ok
}

func (r *Rewriter) cachePut(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = value
}
