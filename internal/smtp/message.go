// Package smtp implements the send path (§4.6): composing an outgoing
// message via emersion/go-message's mail writer and submitting it over
// STARTTLS SMTP with PLAIN/LOGIN authentication.
package smtp

import (
	"bytes"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
)

// Address is a display-name/address pair, mirroring mail.Address so callers
// outside this package don't need to import go-message directly.
type Address struct {
	Name    string
	Address string
}

func (a Address) toMail() *mail.Address {
	return &mail.Address{Name: a.Name, Address: a.Address}
}

func toMailList(addrs []Address) []*mail.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = a.toMail()
	}
	return out
}

// Attachment is a file attached to (or inlined within) the message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	ContentID   string // for inline attachments referenced from HTMLBody
	Inline      bool
}

// Message is an outgoing message awaiting composition and send.
type Message struct {
	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address
	ReplyTo *Address
	Subject string

	TextBody string
	HTMLBody string

	Attachments []Attachment

	// Threading headers (§4.5 supplies these when composing a reply).
	InReplyTo  string
	References []string
}

// Recipients returns every envelope recipient (To + Cc + Bcc); Bcc is never
// written into the composed headers, only used for the envelope RCPT TO list.
func (m *Message) Recipients() []string {
	var out []string
	for _, group := range [][]Address{m.To, m.Cc, m.Bcc} {
		for _, a := range group {
			out = append(out, a.Address)
		}
	}
	return out
}

// Encode renders m as a full RFC-5322 message ready for DATA submission.
func (m *Message) Encode() ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.SetAddressList("From", []*mail.Address{m.From.toMail()}); err != nil {
		return nil, eris.Wrap(err, "set From")
	}
	if len(m.To) > 0 {
		if err := h.SetAddressList("To", toMailList(m.To)); err != nil {
			return nil, eris.Wrap(err, "set To")
		}
	}
	if len(m.Cc) > 0 {
		if err := h.SetAddressList("Cc", toMailList(m.Cc)); err != nil {
			return nil, eris.Wrap(err, "set Cc")
		}
	}
	if m.ReplyTo != nil {
		if err := h.SetAddressList("Reply-To", []*mail.Address{m.ReplyTo.toMail()}); err != nil {
			return nil, eris.Wrap(err, "set Reply-To")
		}
	}
	h.SetSubject(m.Subject)
	if m.InReplyTo != "" {
		h.SetInReplyTo([]string{m.InReplyTo})
	}
	if len(m.References) > 0 {
		h.SetReferences(m.References)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, eris.Wrap(err, "create writer")
	}

	if err := m.writeBody(mw); err != nil {
		return nil, err
	}
	for _, att := range m.Attachments {
		if att.Inline {
			continue // written as part of the inline body above
		}
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, eris.Wrap(err, "close writer")
	}
	return buf.Bytes(), nil
}

// writeBody writes the text/HTML alternative part(s), plus any inline
// attachments the HTML body references by Content-ID.
func (m *Message) writeBody(mw *mail.Writer) error {
	hasText := m.TextBody != ""
	hasHTML := m.HTMLBody != ""
	hasInline := false
	for _, att := range m.Attachments {
		hasInline = hasInline || att.Inline
	}

	switch {
	case hasHTML && (hasText || hasInline):
		iw, err := mw.CreateInline()
		if err != nil {
			return eris.Wrap(err, "create inline")
		}
		if hasText {
			if err := writeInlinePart(iw, "text/plain", m.TextBody); err != nil {
				return err
			}
		}
		if err := writeInlinePart(iw, "text/html", m.HTMLBody); err != nil {
			return err
		}
		for _, att := range m.Attachments {
			if att.Inline {
				if err := writeInlineAttachment(iw, att); err != nil {
					return err
				}
			}
		}
		return eris.Wrap(iw.Close(), "close inline writer")
	case hasHTML:
		return writeSinglePart(mw, "text/html", m.HTMLBody)
	default:
		return writeSinglePart(mw, "text/plain", m.TextBody)
	}
}

func writeSinglePart(mw *mail.Writer, contentType, body string) error {
	w, err := mw.CreateSingleInlineWriter()
	if err != nil {
		return eris.Wrap(err, "create single inline writer")
	}
	if _, err := io.WriteString(w, body); err != nil {
		return eris.Wrap(err, "write body")
	}
	return eris.Wrap(w.Close(), "close body writer")
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.Set("Content-Type", contentType+"; charset=utf-8")
	w, err := iw.CreatePart(ih)
	if err != nil {
		return eris.Wrapf(err, "create %s part", contentType)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return eris.Wrapf(err, "write %s part", contentType)
	}
	return eris.Wrapf(w.Close(), "close %s part", contentType)
}

func writeInlineAttachment(iw *mail.InlineWriter, att Attachment) error {
	var ih mail.InlineHeader
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ih.Set("Content-Type", contentType)
	ih.Set("Content-Disposition", "inline; filename=\""+att.Filename+"\"")
	if att.ContentID != "" {
		ih.Set("Content-ID", "<"+att.ContentID+">")
	}
	w, err := iw.CreatePart(ih)
	if err != nil {
		return eris.Wrap(err, "create inline attachment part")
	}
	if _, err := w.Write(att.Content); err != nil {
		return eris.Wrap(err, "write inline attachment")
	}
	return eris.Wrap(w.Close(), "close inline attachment")
}

func writeAttachment(mw *mail.Writer, att Attachment) error {
	var ah mail.AttachmentHeader
	ah.SetFilename(att.Filename)
	if att.ContentType != "" {
		ah.Set("Content-Type", att.ContentType)
	}
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return eris.Wrapf(err, "create attachment %q", att.Filename)
	}
	if _, err := w.Write(att.Content); err != nil {
		return eris.Wrapf(err, "write attachment %q", att.Filename)
	}
	return eris.Wrapf(w.Close(), "close attachment %q", att.Filename)
}
