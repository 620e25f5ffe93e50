package orchestrator

import (
	"fmt"
	"strings"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// defaultSystemPrompt is the baseline instruction set; tenants prepend their
// own prefix through config.
const defaultSystemPrompt = `You are a customer support assistant. Answer using ONLY the retrieved context below. Be concise and helpful. If the context does not contain the answer, say you will connect the customer with a human agent. Never invent order numbers, prices, or policies.`

// systemPrompt combines the tenant prefix with the default instructions.
func systemPrompt(cfg models.TenantConfig) string {
	if prefix := strings.TrimSpace(cfg.SystemPromptPrefix); prefix != "" {
		return prefix + "\n\n" + defaultSystemPrompt
	}
	return defaultSystemPrompt
}

// contextBlock renders retrieval results as a numbered context section with
// relevance percentages. Sources are numbered in score order so the model
// can reference them.
func contextBlock(results []models.SearchResult) string {
	var sb strings.Builder
	sb.WriteString("Retrieved Context:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] (relevance %.0f%%) %s\n", i+1, r.Score*100, r.Doc.Text)
	}
	return sb.String()
}

// buildMessages assembles the LLM turn list: prior history in chronological
// order (excluding the just-persisted copy of the current message), then the
// context block and the cleaned user query as the final user turn.
func buildMessages(history []models.Message, skipMessageID string, results []models.SearchResult, cleaned string) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if m.ID == skipMessageID {
			continue
		}
		msgs = append(msgs, models.ChatMessage{Role: m.Role, Content: m.Content})
	}

	var sb strings.Builder
	if len(results) > 0 {
		sb.WriteString(contextBlock(results))
		sb.WriteString("\n")
	}
	sb.WriteString(cleaned)

	return append(msgs, models.ChatMessage{Role: models.RoleUser, Content: sb.String()})
}
