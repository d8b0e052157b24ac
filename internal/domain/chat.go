package domain

// Content types a chat message can carry.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentVideo = "video"
	ContentLink  = "link"
)

// ChatMessage is one turn as sent by the chat client. Only Role and Content
// are required; the media fields describe attachments shown alongside it.
type ChatMessage struct {
	Role         string        `json:"role" validate:"notblank"`
	Content      string        `json:"content"`
	ID           string        `json:"id,omitempty"`
	ContentType  string        `json:"content_type,omitempty"`
	MediaURL     string        `json:"media_url,omitempty"`
	LinkMetadata *LinkMetadata `json:"link_metadata,omitempty"`
}

// LinkMetadata is the preview attached to a message that contains a link.
type LinkMetadata struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
}
