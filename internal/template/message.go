package template

import (
	"errors"

	"github.com/lalithlochan/herald/internal/db"
)

// Kind tags a Message.
type Kind int

const (
	KindText Kind = iota
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindMedia:
		return "media"
	default:
		return "unknown"
	}
}

// ErrEmptyMessage is returned when a template renders to nothing and has no media.
var ErrEmptyMessage = errors.New("template renders an empty message")

// Message is the content of one send, resolved once before the retry loop.
// For KindMedia, Text is the caption.
type Message struct {
	Kind     Kind
	Template string
	Text     string
	MediaRef string
}

// Resolve renders t for a recipient. mediaOverride, when set, replaces the
// template's own media reference.
func (c *Cache) Resolve(t *db.Template, mediaOverride string, fields map[string]string) (Message, error) {
	text := c.Get(t.Body).Render(fields)

	media := t.MediaRef
	if mediaOverride != "" {
		media = mediaOverride
	}

	if media != "" {
		return Message{Kind: KindMedia, Template: t.Name, Text: text, MediaRef: media}, nil
	}
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	return Message{Kind: KindText, Template: t.Name, Text: text}, nil
}
