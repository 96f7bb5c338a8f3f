package chat

import "github.com/suPer8Hu/ai-console/internal/ai"

// Pack builds the message list sent to the backend:
//
//	[system, history (oldest..newest), user]
//
// System and user messages are always present. History is cut contiguously
// from the oldest end so that everything kept, plus the mandatory pair,
// fits budget. editMode drops the newest question/answer pair first.
func Pack(systemPrompt string, user ai.Message, history []HistoryMessage, budget int, editMode bool) []ai.Message {
	user.Role = RoleUser
	system := ai.Message{Role: RoleSystem, Content: systemPrompt}

	reserved := EstimateTokens(systemPrompt) + EstimateTokens(user.Content)
	if reserved >= budget {
		return []ai.Message{system, user}
	}

	if editMode {
		if len(history) > 2 {
			history = history[:len(history)-2]
		} else {
			history = nil
		}
	}

	remaining := budget - reserved
	running := 0
	kept := make([]ai.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		cost := EstimateTokens(m.Content)
		if running+cost > remaining {
			break
		}
		running += cost
		msg := ai.Message{Role: m.Role, Content: m.Content}
		if m.ImageURL != "" {
			msg.ImageURLs = []string{m.ImageURL}
		}
		kept = append(kept, msg)
	}

	out := make([]ai.Message, 0, len(kept)+2)
	out = append(out, system)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	return append(out, user)
}
