// Package threader parses raw messages appended to the local SRC mailbox,
// materializes normalized metadata into the ALL mailbox, and assigns thread
// ids. Grounded on msgvault's internal/mime/parse.go (RFC-5322/MIME parsing)
// and internal/sync/sync.go's ingestMessage (charset coercion and the
// parse-failure placeholder behavior), adapted to write into an IMAP ALL
// mailbox row instead of a SQL table.
package threader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/jaytaylor/html2text"

	"github.com/mailstation/mailstation/internal/textutil"
)

// Address is a parsed email address.
type Address struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email"`
	Domain string `json:"domain,omitempty"`
}

// Attachment describes one non-body MIME part.
type Attachment struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int    `json:"size"`
	ContentHash string `json:"content_hash,omitempty"`
	IsInline    bool   `json:"is_inline"`
}

// ParsedMessage is the §3 normalized metadata shape materialized into ALL.
type ParsedMessage struct {
	MessageID        string       `json:"message_id"`
	Subject          string       `json:"subject"`
	From             []Address    `json:"from,omitempty"`
	To               []Address    `json:"to,omitempty"`
	Cc               []Address    `json:"cc,omitempty"`
	Bcc              []Address    `json:"bcc,omitempty"`
	Date             time.Time    `json:"date"`
	References       []string     `json:"references,omitempty"`
	InReplyTo        string       `json:"in_reply_to,omitempty"`
	ThreadID         string       `json:"thread_id"`
	HasAttachments   bool         `json:"has_attachments"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	BodyText         string       `json:"body_text"`
	BodyHTMLStripped string       `json:"body_html_stripped,omitempty"`

	ParseErrors []string `json:"parse_errors,omitempty"`
	Placeholder bool     `json:"placeholder,omitempty"`
}

// PlaceholderSubject is used when a SRC row fails to parse entirely (§4.5,
// §7 error kind 3): a single corrupt message must not block the rest of the
// batch.
const PlaceholderSubject = "(unparseable message)"

// Parse parses raw RFC-5322/MIME bytes into a ParsedMessage. It never
// returns an error for malformed input: callers get a placeholder message
// instead (see NewPlaceholder), matching §4.5's fallback contract. Parse
// only returns an error for conditions outside message content itself (none
// currently — reserved for future use).
func Parse(raw []byte) (*ParsedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return NewPlaceholder(err), nil
	}

	pm := &ParsedMessage{
		MessageID: strings.Trim(env.GetHeader("Message-ID"), "<>"),
		Subject:   textutil.EnsureUTF8(env.GetHeader("Subject")),
		InReplyTo: strings.Trim(env.GetHeader("In-Reply-To"), "<>"),
		BodyText:  textutil.EnsureUTF8(env.Text),
	}
	if env.HTML != "" {
		pm.BodyHTMLStripped = stripHTML(textutil.EnsureUTF8(env.HTML))
		if pm.BodyText == "" {
			pm.BodyText = pm.BodyHTMLStripped
		}
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, ok := parseDate(dateStr); ok {
			pm.Date = t
		}
	}

	pm.From = parseAddressList(env, "From")
	pm.To = parseAddressList(env, "To")
	pm.Cc = parseAddressList(env, "Cc")
	pm.Bcc = parseAddressList(env, "Bcc")

	if refs := env.GetHeader("References"); refs != "" {
		pm.References = parseReferences(refs)
	}

	pm.Attachments = append(pm.Attachments, buildAttachments(env.Attachments, false)...)
	pm.Attachments = append(pm.Attachments, buildAttachments(env.Inlines, true)...)
	pm.HasAttachments = len(pm.Attachments) > 0

	for _, e := range env.Errors {
		pm.ParseErrors = append(pm.ParseErrors, e.Error())
	}

	return pm, nil
}

// NewPlaceholder builds the §4.5 fallback message for a SRC row whose raw
// bytes could not be parsed at all.
func NewPlaceholder(cause error) *ParsedMessage {
	pm := &ParsedMessage{
		Subject:     PlaceholderSubject,
		Date:        time.Now().UTC(),
		Placeholder: true,
	}
	if cause != nil {
		pm.ParseErrors = []string{cause.Error()}
	}
	return pm
}

// DecodeParsedMessage reverses buildAllMessage: given a raw ALL-mailbox row
// (the minimal header block followed by the JSON-encoded ParsedMessage
// body), it recovers the ParsedMessage. Used by the HTTP boundary's
// msgs/body, msgs/info, and thrs/info handlers to read back what Parse
// already materialized, instead of re-parsing the original MIME bytes.
func DecodeParsedMessage(raw []byte) (*ParsedMessage, error) {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := 4
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
		sep = 2
	}
	if idx < 0 {
		return nil, fmt.Errorf("threader: no header/body boundary in ALL row")
	}
	var pm ParsedMessage
	if err := json.Unmarshal(raw[idx+sep:], &pm); err != nil {
		return nil, fmt.Errorf("threader: decode ALL row: %w", err)
	}
	return &pm, nil
}

func parseAddressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}
	addrs := make([]Address, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		addrs = append(addrs, Address{
			Name:   textutil.EnsureUTF8(a.Name),
			Email:  strings.ToLower(a.Address),
			Domain: domainOf(a.Address),
		})
	}
	return addrs
}

func domainOf(email string) string {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return strings.ToLower(email[idx+1:])
	}
	return ""
}

func isBodyPart(part *enmime.Part) bool {
	ct := strings.ToLower(part.ContentType)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	if ct != "text/plain" && ct != "text/html" {
		return false
	}
	if part.FileName != "" {
		return false
	}
	disp := strings.ToLower(part.Disposition)
	if idx := strings.Index(disp, ";"); idx >= 0 {
		disp = strings.TrimSpace(disp[:idx])
	}
	return disp != "attachment"
}

func buildAttachments(parts []*enmime.Part, inline bool) []Attachment {
	var out []Attachment
	for _, part := range parts {
		if isBodyPart(part) {
			continue
		}
		sum := sha256.Sum256(part.Content)
		out = append(out, Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			ContentID:   part.ContentID,
			Size:        len(part.Content),
			ContentHash: hex.EncodeToString(sum[:]),
			IsInline:    inline,
		})
	}
	return out
}

func parseReferences(refs string) []string {
	var out []string
	for _, ref := range strings.Fields(refs) {
		ref = strings.Trim(ref, "<>")
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")
	base := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		base = strings.TrimSpace(s[:idx])
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, base); err == nil {
			return t.UTC(), true
		}
	}
	if base != s {
		for _, format := range dateFormats {
			if t, err := time.Parse(format, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// stripHTML renders a plaintext approximation of HTML content for the
// body_html_stripped field (§3). html2text already rides along as
// enmime's own indirect dependency; promoting it to a direct import here
// beats hand-rolling a second, worse HTML-to-text pass.
func stripHTML(rawHTML string) string {
	text, err := html2text.FromString(rawHTML, html2text.Options{PrettyTables: false})
	if err != nil {
		return strings.TrimSpace(rawHTML)
	}
	return strings.TrimSpace(text)
}
