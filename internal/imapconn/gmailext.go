package imapconn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goimap "github.com/emersion/go-imap"
	goimapclient "github.com/emersion/go-imap/client"
	imap "github.com/emersion/go-imap/v2"
	"github.com/rotisserie/eris"

	"github.com/mailstation/mailstation/internal/labels"
)

// gmailExt is an escape hatch onto Gmail's X-GM-MSGID/X-GM-THRID/X-GM-LABELS
// vendor attributes. go-imap/v2 is RFC-strict and has no modeling of these
// (see DESIGN.md); go-imap v1's client package represents FETCH items and
// STORE attributes as plain strings, so arbitrary vendor item names pass
// through untouched. This keeps the v1 dependency confined to exactly the
// operations that need it; everything else uses Client's v2 connection.
type gmailExt struct {
	cfg    ClientConfig
	logger *slog.Logger

	connMu sync.Mutex
	conn   *goimapclient.Client
	selected string
}

func newGmailExt(cfg ClientConfig, logger *slog.Logger) *gmailExt {
	return &gmailExt{cfg: cfg, logger: logger}
}

func (g *gmailExt) connect() (*goimapclient.Client, error) {
	if g.conn != nil {
		return g.conn, nil
	}

	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	var (
		c   *goimapclient.Client
		err error
	)
	switch g.cfg.Security {
	case SecurityTLS:
		c, err = goimapclient.DialTLS(addr, nil)
	default:
		c, err = goimapclient.Dial(addr)
		if err == nil && g.cfg.Security == SecurityStartTLS {
			err = c.StartTLS(nil)
		}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s (gmail ext)", addr)
	}

	if g.cfg.SocketTimeout > 0 {
		c.Timeout = g.cfg.SocketTimeout
	}
	if err := c.Login(g.cfg.Username, g.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, eris.Wrap(err, "LOGIN (gmail ext)")
	}

	g.conn = c
	return c, nil
}

func (g *gmailExt) selectMailbox(mailbox string) error {
	if g.selected == mailbox {
		return nil
	}
	if _, err := g.conn.Select(mailbox, false); err != nil {
		return eris.Wrapf(err, "SELECT %q (gmail ext)", mailbox)
	}
	g.selected = mailbox
	return nil
}

func (g *gmailExt) close() {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		_ = g.conn.Logout()
		g.conn = nil
		g.selected = ""
	}
}

func uidSeqSet(uids []imap.UID) *goimap.SeqSet {
	set := new(goimap.SeqSet)
	for _, u := range uids {
		set.AddNum(uint32(u))
	}
	return set
}

func (g *gmailExt) fetchMsgIDs(ctx context.Context, mailbox string, uids []imap.UID) (map[imap.UID]string, error) {
	out := make(map[imap.UID]string)
	if len(uids) == 0 {
		return out, nil
	}

	g.connMu.Lock()
	defer g.connMu.Unlock()
	conn, err := g.connect()
	if err != nil {
		return nil, err
	}
	if err := g.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	seqset := uidSeqSet(uids)
	items := []goimap.FetchItem{"UID", "X-GM-MSGID"}
	messages := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- conn.UidFetch(seqset, items, messages) }()

	for m := range messages {
		uid := imap.UID(m.Uid)
		if raw, ok := m.Items["X-GM-MSGID"]; ok {
			if id, ok := raw.(string); ok && id != "" {
				out[uid] = id
			} else if n, ok := raw.(uint64); ok {
				out[uid] = fmt.Sprintf("%x", n)
			}
		}
	}
	if err := <-done; err != nil {
		return nil, eris.Wrap(err, "UID FETCH X-GM-MSGID")
	}
	return out, nil
}

func (g *gmailExt) fetchFull(ctx context.Context, mailbox string, uids []imap.UID) ([]FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	g.connMu.Lock()
	defer g.connMu.Unlock()
	conn, err := g.connect()
	if err != nil {
		return nil, err
	}
	if err := g.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	section := &goimap.BodySectionName{}
	seqset := uidSeqSet(uids)
	items := []goimap.FetchItem{
		"UID", "FLAGS", "INTERNALDATE", "X-GM-MSGID", "X-GM-THRID", "X-GM-LABELS",
		section.FetchItem(),
	}

	var out []FetchedMessage
	messages := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- conn.UidFetch(seqset, items, messages) }()

	for m := range messages {
		fm := FetchedMessage{UID: imap.UID(m.Uid), InternalDate: m.InternalDate}
		for _, f := range m.Flags {
			fm.Flags = append(fm.Flags, f)
		}
		if body := m.GetBody(section); body != nil {
			buf := make([]byte, 0, 8192)
			tmp := make([]byte, 8192)
			for {
				n, err := body.Read(tmp)
				if n > 0 {
					buf = append(buf, tmp[:n]...)
				}
				if err != nil {
					break
				}
			}
			fm.Raw = buf
		}
		if raw, ok := m.Items["X-GM-MSGID"]; ok {
			fm.GmailMsgID = gmailAttrString(raw)
		}
		if raw, ok := m.Items["X-GM-THRID"]; ok {
			fm.GmailThrID = gmailAttrString(raw)
		}
		if raw, ok := m.Items["X-GM-LABELS"]; ok {
			fm.GmailLabels = gmailLabelList(raw)
		}
		out = append(out, fm)
	}
	if err := <-done; err != nil {
		return nil, eris.Wrap(err, "UID FETCH (gmail full)")
	}
	return out, nil
}

func (g *gmailExt) fetchChangedSince(ctx context.Context, mailbox string, sinceModSeq uint64) ([]FetchedMessage, uint64, error) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	conn, err := g.connect()
	if err != nil {
		return nil, 0, err
	}
	status, err := conn.Select(mailbox, false)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "SELECT %q (gmail ext)", mailbox)
	}
	g.selected = mailbox

	seqset := new(goimap.SeqSet)
	seqset.AddRange(1, 0)
	items := []goimap.FetchItem{"UID", "FLAGS", "MODSEQ", "X-GM-MSGID", "X-GM-LABELS"}

	var out []FetchedMessage
	messages := make(chan *goimap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- conn.UidFetch(seqset, items, messages)
	}()

	for m := range messages {
		modseq := uint64(0)
		if raw, ok := m.Items["MODSEQ"]; ok {
			if n, ok := raw.(uint64); ok {
				modseq = n
			}
		}
		if modseq <= sinceModSeq {
			continue
		}
		fm := FetchedMessage{UID: imap.UID(m.Uid), ModSeq: modseq}
		for _, f := range m.Flags {
			fm.Flags = append(fm.Flags, f)
		}
		if raw, ok := m.Items["X-GM-MSGID"]; ok {
			fm.GmailMsgID = gmailAttrString(raw)
		}
		if raw, ok := m.Items["X-GM-LABELS"]; ok {
			fm.GmailLabels = gmailLabelList(raw)
		}
		out = append(out, fm)
	}
	if err := <-done; err != nil {
		return nil, 0, eris.Wrap(err, "UID FETCH CHANGEDSINCE (gmail ext)")
	}
	return out, status.HighestModSeq, nil
}

func (g *gmailExt) storeLabels(ctx context.Context, mailbox string, uid imap.UID, add, remove []string) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	conn, err := g.connect()
	if err != nil {
		return err
	}
	if err := g.selectMailbox(mailbox); err != nil {
		return err
	}

	seqset := new(goimap.SeqSet)
	seqset.AddNum(uint32(uid))

	if len(add) > 0 {
		if err := storeGmailLabelOp(conn, seqset, "+X-GM-LABELS.SILENT", add); err != nil {
			return eris.Wrap(err, "STORE +X-GM-LABELS")
		}
	}
	if len(remove) > 0 {
		if err := storeGmailLabelOp(conn, seqset, "-X-GM-LABELS.SILENT", remove); err != nil {
			return eris.Wrap(err, "STORE -X-GM-LABELS")
		}
	}
	return nil
}

func storeGmailLabelOp(conn *goimapclient.Client, seqset *goimap.SeqSet, item string, labels []string) error {
	fields := make([]any, len(labels))
	for i, l := range labels {
		fields[i] = l
	}
	return conn.UidStore(seqset, goimap.StoreItem(item), fields, nil)
}

func gmailAttrString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case uint64:
		return fmt.Sprintf("%x", v)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// gmailLabelList extracts the label strings from an X-GM-LABELS FETCH
// attribute. go-imap v1 normally parses the parenthesized list into []any,
// one element per label; if it instead hands back the atom as one unsplit
// string (e.g. a server that doesn't bracket it the way go-imap expects),
// TokenizeLabels does the same quote-aware splitting directly.
func gmailLabelList(raw any) []string {
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				out = append(out, strings.Trim(s, "\""))
			}
		}
		return out
	case string:
		return labels.TokenizeLabels(v)
	default:
		return nil
	}
}
