package smtp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
)

func TestMessage_EncodeTextOnlyRoundTrips(t *testing.T) {
	msg := &Message{
		From:     Address{Name: "Alice", Address: "alice@example.com"},
		To:       []Address{{Name: "Bob", Address: "bob@example.com"}},
		Subject:  "hello",
		TextBody: "hi there",
	}

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	defer mr.Close()

	subj, err := mr.Header.Subject()
	if err != nil {
		t.Fatalf("Subject: %v", err)
	}
	if subj != "hello" {
		t.Errorf("subject = %q, want %q", subj, "hello")
	}

	from, err := mr.Header.AddressList("From")
	if err != nil {
		t.Fatalf("From: %v", err)
	}
	if len(from) != 1 || from[0].Address != "alice@example.com" {
		t.Errorf("From = %+v", from)
	}

	p, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	body, err := io.ReadAll(p.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hi there" {
		t.Errorf("body = %q, want %q", body, "hi there")
	}

	if _, err := mr.NextPart(); err != io.EOF {
		t.Errorf("expected exactly one part, got err=%v", err)
	}
}

func TestMessage_EncodeTextAndHTMLProducesAlternative(t *testing.T) {
	msg := &Message{
		From:     Address{Address: "alice@example.com"},
		To:       []Address{{Address: "bob@example.com"}},
		Subject:  "hello",
		TextBody: "plain version",
		HTMLBody: "<p>html version</p>",
	}

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	defer mr.Close()

	var gotText, gotHTML bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		ct, _, _ := p.Header.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		switch ct {
		case "text/plain":
			gotText = true
			if string(body) != "plain version" {
				t.Errorf("text part = %q", body)
			}
		case "text/html":
			gotHTML = true
			if string(body) != "<p>html version</p>" {
				t.Errorf("html part = %q", body)
			}
		}
	}
	if !gotText || !gotHTML {
		t.Errorf("expected both text and html parts, gotText=%v gotHTML=%v", gotText, gotHTML)
	}
}

func TestMessage_EncodeWithAttachment(t *testing.T) {
	msg := &Message{
		From:     Address{Address: "alice@example.com"},
		To:       []Address{{Address: "bob@example.com"}},
		Subject:  "with attachment",
		TextBody: "see attached",
		Attachments: []Attachment{
			{Filename: "report.txt", ContentType: "text/plain", Content: []byte("report contents")},
		},
	}

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	defer mr.Close()

	var sawAttachment bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil {
				t.Fatalf("Filename: %v", err)
			}
			if filename != "report.txt" {
				t.Errorf("filename = %q, want report.txt", filename)
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				t.Fatalf("read attachment: %v", err)
			}
			if string(body) != "report contents" {
				t.Errorf("attachment body = %q", body)
			}
			sawAttachment = true
		}
	}
	if !sawAttachment {
		t.Error("expected an attachment part")
	}
}

func TestMessage_EncodeSetsThreadingHeaders(t *testing.T) {
	msg := &Message{
		From:       Address{Address: "alice@example.com"},
		To:         []Address{{Address: "bob@example.com"}},
		Subject:    "re: hello",
		TextBody:   "reply",
		InReplyTo:  "<orig@example.com>",
		References: []string{"<orig@example.com>"},
	}

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(raw), "In-Reply-To: <orig@example.com>") {
		t.Errorf("missing In-Reply-To header:\n%s", raw)
	}
	if !strings.Contains(string(raw), "References: <orig@example.com>") {
		t.Errorf("missing References header:\n%s", raw)
	}
}

func TestMessage_RecipientsExcludesBccFromHeadersButNotEnvelope(t *testing.T) {
	msg := &Message{
		From: Address{Address: "alice@example.com"},
		To:   []Address{{Address: "bob@example.com"}},
		Bcc:  []Address{{Address: "carol@example.com"}},
	}

	recipients := msg.Recipients()
	if len(recipients) != 2 {
		t.Fatalf("expected 2 envelope recipients, got %v", recipients)
	}

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(raw), "carol@example.com") {
		t.Error("Bcc address must not appear in composed headers")
	}
}
