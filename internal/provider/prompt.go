package provider

import (
	"fmt"
	"strings"
)

// chatMessage is the role/content pair shared by the chat-completion wire
// schema and the flattened secondary prompt.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// systemPrompt renders the character card, the user's identity, and the
// assembled memory context into the instruction block both hosted backends
// are conditioned on.
func systemPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a roleplay companion.\n", req.Character.Name)
	if req.Character.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", req.Character.Personality)
	}
	if req.Character.Scenario != "" {
		fmt.Fprintf(&b, "Scenario: %s\n", req.Character.Scenario)
	}
	if req.Character.Style != "" {
		fmt.Fprintf(&b, "Writing style: %s\n", req.Character.Style)
	}

	who := req.UserName
	if strings.TrimSpace(who) == "" {
		who = "the user"
	}
	if req.UserGender != "" {
		fmt.Fprintf(&b, "You are talking to %s (%s).\n", who, req.UserGender)
	} else {
		fmt.Fprintf(&b, "You are talking to %s.\n", who)
	}

	if req.NSFW {
		b.WriteString("Mature romantic content is permitted when the story calls for it.\n")
	} else {
		b.WriteString("Keep the conversation warm but strictly safe-for-work.\n")
	}

	b.WriteString("Stay in character. Reply with a single short message, no narration of rules.\n")

	if req.MemoryContext != "" {
		b.WriteString("\nWhat you remember:\n")
		b.WriteString(req.MemoryContext)
		b.WriteByte('\n')
	}
	return b.String()
}

// chatMessages renders the request as a chat-completion message list.
func chatMessages(req Request) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+1)
	msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt(req)})
	for _, t := range req.History {
		role := "assistant"
		if t.IsUser {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: t.Content})
	}
	return msgs
}

// flattenPrompt renders the request as a single completion string for the
// inputs-style secondary API, ending on the character's cue.
func flattenPrompt(req Request) string {
	userLabel := req.UserName
	if strings.TrimSpace(userLabel) == "" {
		userLabel = "User"
	}

	var b strings.Builder
	b.WriteString(systemPrompt(req))
	b.WriteByte('\n')
	for _, t := range req.History {
		label := req.Character.Name
		if t.IsUser {
			label = userLabel
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Content)
	}
	fmt.Fprintf(&b, "%s:", req.Character.Name)
	return b.String()
}

// lastUserMessage returns the newest user turn in the history, if any.
func lastUserMessage(req Request) string {
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].IsUser {
			return req.History[i].Content
		}
	}
	return ""
}
