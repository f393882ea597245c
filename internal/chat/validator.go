package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageChars     = 2000
	MaxRoomNameChars    = 100
	MaxDescriptionChars = 500
	MaxEmojiChars       = 32
	MaxReadBatch        = 500
)

// NewMessage is the input for creating a message.
type NewMessage struct {
	RoomID      string       `json:"roomId"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"type"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachment  *Attachment  `json:"attachment,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// normalize trims content, defaults the type and folds the legacy
// attachments list into the single attachment descriptor.
func (in *NewMessage) normalize() {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.Content = strings.TrimSpace(in.Content)
	in.ReplyTo = strings.TrimSpace(in.ReplyTo)
	if in.Type == "" {
		in.Type = TypeText
	}
	if in.Attachment == nil && len(in.Attachments) > 0 {
		a := in.Attachments[0]
		in.Attachment = &a
	}
	in.Attachments = nil
}

// Validate checks a normalized NewMessage. Content is required for text and
// system messages; image and file messages need content or an attachment.
func (in *NewMessage) Validate() error {
	var p problems
	if in.RoomID == "" {
		p.add("Room ID is required")
	}
	if !in.Type.Valid() {
		p.add(fmt.Sprintf("Invalid message type %q", in.Type))
	}
	switch in.Type {
	case TypeImage, TypeFile:
		if in.Content == "" && in.Attachment == nil {
			p.add("Content or attachment is required")
		}
	default:
		if in.Content == "" {
			p.add("Content is required")
		}
	}
	if err := validateText(in.Content, MaxMessageChars, "Message"); err != "" {
		p.add(err)
	}
	return p.err()
}

// ValidateContent checks edited content.
func ValidateContent(content string) error {
	var p problems
	if content == "" {
		p.add("Content is required")
	}
	if err := validateText(content, MaxMessageChars, "Message"); err != "" {
		p.add(err)
	}
	return p.err()
}

// NewRoom is the input for creating a room.
type NewRoom struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RoomType `json:"type"`
	Avatar      string   `json:"avatar,omitempty"`
}

func (in *NewRoom) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Type == "" {
		in.Type = RoomPublic
	}
}

// Validate checks a normalized NewRoom.
func (in *NewRoom) Validate() error {
	var p problems
	if in.Name == "" {
		p.add("Room name is required")
	}
	if err := validateText(in.Name, MaxRoomNameChars, "Room name"); err != "" {
		p.add(err)
	}
	if err := validateText(in.Description, MaxDescriptionChars, "Description"); err != "" {
		p.add(err)
	}
	if !in.Type.Valid() {
		p.add(fmt.Sprintf("Invalid room type %q", in.Type))
	}
	return p.err()
}

// validateText returns a problem description, or "" when s is acceptable.
func validateText(s string, maxChars int, field string) string {
	if !utf8.ValidString(s) {
		return field + " contains invalid UTF-8"
	}
	if utf8.RuneCountInString(s) > maxChars {
		return fmt.Sprintf("%s cannot be more than %d characters", field, maxChars)
	}
	return ""
}

// ValidateEmoji checks a reaction value.
func ValidateEmoji(emoji string) error {
	var p problems
	if strings.TrimSpace(emoji) == "" {
		p.add("Reaction is required")
	}
	if err := validateText(emoji, MaxEmojiChars, "Reaction"); err != "" {
		p.add(err)
	}
	return p.err()
}
