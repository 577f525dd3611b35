package chat

import "github.com/okothh/gemchat/internal/ai"

// BuildHistory converts stored messages into provider turns, skipping
// excludeID (the user message of the turn in flight, which is appended
// separately as the newest turn). Order is preserved as given.
func BuildHistory(msgs []Message, excludeID uint64) []ai.Message {
	history := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == excludeID {
			continue
		}
		role := ai.RoleModel
		if m.IsFromUser {
			role = ai.RoleUser
		}
		history = append(history, ai.Message{Role: role, Content: m.Content})
	}
	return history
}
