package slack

import (
	"fmt"
	"time"
)

// Message is the chat message a command originated from.
type Message struct {
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	User     string `json:"user"`
	Text     string `json:"text,omitempty"`
}

// Field is a short key/value cell inside an attachment.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Attachment is a rich card rendered under a message.
type Attachment struct {
	Fallback string  `json:"fallback,omitempty"`
	Pretext  string  `json:"pretext,omitempty"`
	Title    string  `json:"title,omitempty"`
	Text     string  `json:"text,omitempty"`
	Color    string  `json:"color,omitempty"`
	Fields   []Field `json:"fields,omitempty"`
}

// Reply is an outbound chat.postMessage.
type Reply struct {
	Channel     string
	ThreadTS    string
	Text        string
	Attachments []Attachment
}

// ReplyTo addresses a reply to the channel of m, in thread when threadTS is set.
func ReplyTo(m Message, threadTS, text string) Reply {
	return Reply{Channel: m.Channel, ThreadTS: threadTS, Text: text}
}

// ErrorAttachments renders each error as a red stderr card.
func ErrorAttachments(errs ...string) []Attachment {
	out := make([]Attachment, 0, len(errs))
	for _, e := range errs {
		out = append(out, Attachment{
			Fallback: "An error has occurred.",
			Pretext:  "stderr",
			Text:     e,
			Color:    "danger",
		})
	}
	return out
}

// Timestamp formats t with Slack's date token so clients render it in the reader's timezone.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("<!date^%d^{date_short_pretty} {time_secs}|%s>", t.Unix(), t.UTC().Format(time.RFC3339))
}
