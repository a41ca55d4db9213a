package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is one element of a multi-part message. Only "text" blocks are
// read by the client; other block types are carried through untouched.
type ContentBlock struct {
	Type string
	Text string
	Raw  json.RawMessage
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.Type != "text" && len(b.Raw) > 0 {
		return b.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: b.Type, Text: b.Text})
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	b.Type = head.Type
	b.Text = head.Text
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Content is either plain text or an ordered list of blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock
}

func TextContent(s string) Content { return Content{Text: s} }

func BlockContent(blocks ...ContentBlock) Content { return Content{Blocks: blocks} }

// Flatten joins the text blocks with newlines. Plain text content is
// returned as is.
func (c Content) Flatten() string {
	if c.Blocks == nil {
		return c.Text
	}
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		if blocks == nil {
			blocks = []ContentBlock{}
		}
		*c = Content{Blocks: blocks}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of blocks")
	}
}

type ChatMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: TextContent(text)}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: TextContent(text)}
}
