package usecase

import (
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"coach-relay/internal/domain"
)

const defaultCoachName = "Coach"

func buildPromptMessages(coachName string, history []domain.ChatMessage) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: buildCoachPrompt(coachName),
	})
	for _, m := range history {
		messages = append(messages, toCompletionMessage(m))
	}
	return messages
}

func buildCoachPrompt(coachName string) string {
	name := strings.Join(strings.Fields(coachName), " ")
	if name == "" {
		name = defaultCoachName
	}
	return strings.Join([]string{
		fmt.Sprintf("You are %s, a professional coach.", name),
		"You provide helpful, supportive guidance to help users achieve their goals.",
		"Keep your responses clear, encouraging, and actionable.",
	}, " ")
}

// toCompletionMessage maps a client message onto the gateway's message shape.
// Images travel as an image part so vision-capable models can see them;
// other attachments are referenced by URL in the text.
func toCompletionMessage(m domain.ChatMessage) openai.ChatCompletionMessage {
	role := strings.TrimSpace(m.Role)
	media := strings.TrimSpace(m.MediaURL)

	switch {
	case m.ContentType == domain.ContentImage && media != "":
		parts := make([]openai.ChatMessagePart, 0, 2)
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: media, Detail: openai.ImageURLDetailAuto},
		})
		return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
	case m.ContentType == domain.ContentVideo && media != "":
		return openai.ChatCompletionMessage{Role: role, Content: appendLine(m.Content, "[Video: "+media+"]")}
	case m.ContentType == domain.ContentLink && m.LinkMetadata != nil && m.LinkMetadata.URL != "" &&
		!strings.Contains(m.Content, m.LinkMetadata.URL):
		return openai.ChatCompletionMessage{Role: role, Content: appendLine(m.Content, linkReference(m.LinkMetadata))}
	}
	return openai.ChatCompletionMessage{Role: role, Content: m.Content}
}

func linkReference(l *domain.LinkMetadata) string {
	if l.Title == "" {
		return "[Link: " + l.URL + "]"
	}
	return fmt.Sprintf("[Link: %s (%s)]", l.Title, l.URL)
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}
