package gmail

import (
	"encoding/base64"
	"net/mail"
	"time"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/mkeller/mailtriage/internal/triage"
)

// toRecord converts a full-format Gmail message into a triage record.
func toRecord(msg *gmail.Message, account string) *triage.Record {
	rec := &triage.Record{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		Account:   account,
		Snippet:   msg.Snippet,
		Labels:    msg.LabelIds,
		FetchedAt: time.Now(),
	}

	if msg.Payload != nil {
		rec.From = headerValue(msg.Payload, "From")
		rec.To = headerValue(msg.Payload, "To")
		rec.Cc = headerValue(msg.Payload, "Cc")
		rec.Subject = headerValue(msg.Payload, "Subject")
		rec.Date = messageDate(msg)
		rec.Attachments = listAttachments(msg.Payload)
	}
	return rec
}

func headerValue(payload *gmail.MessagePart, name string) string {
	for _, h := range payload.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// messageDate parses the Date header, falling back to the server-side
// internal timestamp when the header is missing or malformed.
func messageDate(msg *gmail.Message) time.Time {
	if raw := headerValue(msg.Payload, "Date"); raw != "" {
		if t, err := mail.ParseDate(raw); err == nil {
			return t
		}
	}
	return time.UnixMilli(msg.InternalDate)
}

// listAttachments collects attachment metadata. Content is never fetched.
func listAttachments(payload *gmail.MessagePart) []triage.Attachment {
	var attachments []triage.Attachment
	walkParts(payload, func(part *gmail.MessagePart) {
		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			attachments = append(attachments, triage.Attachment{
				Filename:     part.Filename,
				MimeType:     part.MimeType,
				Size:         part.Body.Size,
				AttachmentID: part.Body.AttachmentId,
			})
		}
	})
	return attachments
}

// extractBody returns the first text/plain part, or the first text/html
// part when no plain text exists.
func extractBody(payload *gmail.MessagePart) string {
	if body := findPart(payload, "text/plain"); body != "" {
		return body
	}
	return findPart(payload, "text/html")
}

func findPart(payload *gmail.MessagePart, mimeType string) string {
	var body string
	walkParts(payload, func(part *gmail.MessagePart) {
		if body == "" && part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
			body = decodeBody(part.Body.Data)
		}
	})
	return body
}

// decodeBody decodes base64url body data, retrying with standard base64
// for providers that pad with the wrong alphabet.
func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return ""
}

// walkParts recursively visits a MIME part and all its descendants.
func walkParts(part *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	fn(part)
	for _, subpart := range part.Parts {
		walkParts(subpart, fn)
	}
}
