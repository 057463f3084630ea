package orchestrator

import (
	"ankie/internal/domain"
)

// repairTranscript closes broken tool chains left by an execution that
// failed or was cancelled between an assistant tool request and its
// results, so the next
// turn sends the provider a well-formed history:
//   - an assistant tool call without a result gets an error result;
//   - a tool result that answers no pending call is dropped.
//
// The input is not modified.
func repairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	out := make([]domain.Message, 0, len(messages))
	var pending []domain.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			out = closeCalls(out, pending)
			pending = pending[:0]
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending = append(pending, tc)
				}
			}
			out = append(out, msg)

		case domain.RoleTool:
			id := ""
			if len(msg.ToolCalls) > 0 {
				id = msg.ToolCalls[0].ID
			}
			i := indexOf(pending, id)
			if i < 0 {
				continue
			}
			pending = append(pending[:i], pending[i+1:]...)
			out = append(out, msg)

		default:
			out = closeCalls(out, pending)
			pending = pending[:0]
			out = append(out, msg)
		}
	}
	return closeCalls(out, pending)
}

// closeCalls answers every pending call with an error result, in call order.
func closeCalls(msgs []domain.Message, pending []domain.ToolCall) []domain.Message {
	for _, tc := range pending {
		msgs = append(msgs, domain.NewToolMessage(tc, "Error: the tool call did not produce a result"))
	}
	return msgs
}

func indexOf(calls []domain.ToolCall, id string) int {
	if id == "" {
		return -1
	}
	for i, tc := range calls {
		if tc.ID == id {
			return i
		}
	}
	return -1
}
