package imapconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rotisserie/eris"
)

// Security selects how the initial connection is established.
type Security int

const (
	SecurityTLS Security = iota
	SecurityStartTLS
	SecurityNone
)

// ClientConfig configures one Client. Both the remote and local connection
// variants (§4.1) are the same Client with different ClientConfig values.
type ClientConfig struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string

	ConnectTimeout time.Duration
	SocketTimeout  time.Duration

	Logger *slog.Logger
}

func (c ClientConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client is the go-imap/v2-based implementation of Conn. X-GM-* extension
// operations are delegated to gmailExt (gmailext.go), since go-imap/v2 is
// RFC-strict and has no first-class modeling of Gmail's vendor attributes
// (see DESIGN.md).
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *imapclient.Client
	caps imap.CapSet

	selectedMailbox string
	gmail           *gmailExt
	isGmail         bool
}

// NewClient creates a disconnected Client. Dial happens lazily on first use.
func NewClient(cfg ClientConfig, isGmail bool) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger, isGmail: isGmail}
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	addr := c.cfg.addr()
	c.logger.Debug("dialing IMAP server", "addr", addr, "security", c.cfg.Security)

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	switch c.cfg.Security {
	case SecurityTLS:
		raw, dialErr := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.cfg.Host})
		if dialErr != nil {
			return eris.Wrapf(dialErr, "dial TLS %s", addr)
		}
		client = imapclient.New(newDeadlineConn(raw, c.cfg.SocketTimeout), options)
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return eris.Wrapf(err, "dial STARTTLS %s", addr)
		}
	default:
		raw, dialErr := dialer.Dial("tcp", addr)
		if dialErr != nil {
			return eris.Wrapf(dialErr, "dial %s", addr)
		}
		client = imapclient.New(newDeadlineConn(raw, c.cfg.SocketTimeout), options)
	}

	if err := client.WaitGreeting(); err != nil {
		_ = client.Close()
		return eris.Wrap(err, "wait for greeting")
	}

	c.conn = client
	c.caps = client.Caps()

	if err := c.login(ctx); err != nil {
		_ = client.Close()
		c.conn = nil
		return err
	}
	c.caps = client.Caps()
	c.selectedMailbox = ""

	if c.isGmail {
		c.gmail = newGmailExt(c.cfg, c.logger)
	}

	c.logger.Debug("connected and authenticated", "user", c.cfg.Username, "gmail", c.isGmail)
	return nil
}

// login prefers plain LOGIN, falling back to AUTHENTICATE PLAIN only when the
// server advertises LOGINDISABLED — attempting AUTHENTICATE first can wedge
// some servers' wire state and break a LOGIN fallback.
func (c *Client) login(ctx context.Context) error {
	if c.caps.Has(imap.CapLoginDisabled) {
		client := sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
		if err := c.conn.Authenticate(client); err != nil {
			return eris.Wrap(err, "AUTHENTICATE PLAIN")
		}
		return nil
	}
	if err := c.conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		return eris.Wrap(err, "LOGIN")
	}
	return nil
}

func (c *Client) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return err
	}
	return fn(c.conn)
}

func (c *Client) selectMailbox(mailbox string) error {
	if c.selectedMailbox == mailbox {
		return nil
	}
	if _, err := c.conn.Select(mailbox, nil).Wait(); err != nil {
		return eris.Wrapf(err, "SELECT %q", mailbox)
	}
	c.selectedMailbox = mailbox
	return nil
}

// waitCtx runs a blocking Wait()-style call in a goroutine so it can be
// raced against ctx cancellation (§5 cancellation model).
func waitCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}

func (c *Client) Has(cap Capability) bool {
	switch cap {
	case CapHighestModSeq:
		return c.caps.Has(imap.CapCondStore)
	case CapGmailExt:
		return c.isGmail
	case CapMultiappend:
		return false // approximated, see DESIGN.md
	default:
		return true
	}
}

func mailboxAttrFor(tag SpecialUseTag) imap.MailboxAttr {
	switch tag {
	case TagAll:
		return imap.MailboxAttrAll
	case TagSent:
		return imap.MailboxAttrSent
	case TagJunk:
		return imap.MailboxAttrJunk
	case TagTrash:
		return imap.MailboxAttrTrash
	case TagDrafts:
		return imap.MailboxAttrDrafts
	}
	return ""
}

func (c *Client) SelectTag(ctx context.Context, tag SpecialUseTag) (string, bool, error) {
	if tag == TagInbox {
		return "INBOX", true, nil
	}
	wantAttr := mailboxAttrFor(tag)
	if wantAttr == "" {
		return "", false, nil
	}

	var found string
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		items, err := waitCtx(ctx, func() ([]*imap.ListData, error) {
			return conn.List("", "*", &imap.ListOptions{SelectSubscribed: false}).Collect()
		})
		if err != nil {
			return eris.Wrap(err, "LIST")
		}
		for _, item := range items {
			for _, attr := range item.Attrs {
				if attr == wantAttr {
					found = item.Mailbox
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return found, found != "", nil
}

func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	var names []string
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		items, err := waitCtx(ctx, func() ([]*imap.ListData, error) {
			return conn.List("", "*", nil).Collect()
		})
		if err != nil {
			return eris.Wrap(err, "LIST")
		}
		seen := map[string]bool{}
		for _, item := range items {
			noSelect := false
			for _, attr := range item.Attrs {
				if attr == imap.MailboxAttrNoSelect {
					noSelect = true
				}
			}
			if noSelect || seen[item.Mailbox] {
				continue
			}
			seen[item.Mailbox] = true
			names = append(names, item.Mailbox)
		}
		return nil
	})
	return names, err
}

func (c *Client) Status(ctx context.Context, mailbox string) (*MailboxStatus, error) {
	var out *MailboxStatus
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		opts := &imap.StatusOptions{NumMessages: true, UIDNext: true, UIDValidity: true, NumUnseen: true}
		if c.Has(CapHighestModSeq) {
			opts.HighestModSeq = true
		}
		data, err := waitCtx(ctx, func() (*imap.StatusData, error) {
			return conn.Status(mailbox, opts).Wait()
		})
		if err != nil {
			return eris.Wrapf(err, "STATUS %q", mailbox)
		}
		ms := &MailboxStatus{UIDValidity: data.UIDValidity, UIDNext: data.UIDNext}
		if data.NumMessages != nil {
			ms.NumMessages = *data.NumMessages
		}
		if data.NumUnseen != nil {
			ms.NumUnseen = *data.NumUnseen
		}
		if data.HighestModSeq != 0 {
			ms.HighestModSeq = data.HighestModSeq
			ms.HasHighestModSeq = true
		}
		out = ms
		return nil
	})
	return out, err
}

func (c *Client) SearchUIDRange(ctx context.Context, mailbox string, fromUID imap.UID) ([]imap.UID, error) {
	var uids []imap.UID
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		uidSet := imap.UIDSet{imap.UIDRange{Start: fromUID, Stop: 0}}
		data, err := waitCtx(ctx, func() (*imap.SearchData, error) {
			return conn.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}, &imap.SearchOptions{ReturnAll: true}).Wait()
		})
		if err != nil {
			return eris.Wrapf(err, "UID SEARCH UID %d:*", fromUID)
		}
		set, ok := data.All.(imap.UIDSet)
		if !ok {
			return nil
		}
		all, _ := set.Nums()
		for _, n := range all {
			// "UID x:*" always returns at least the highest UID even when none
			// qualify (§4.2 step 5); re-filter defensively.
			if n >= fromUID {
				uids = append(uids, n)
			}
		}
		return nil
	})
	return uids, err
}

func (c *Client) Search(ctx context.Context, mailbox string, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	var uids []imap.UID
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		data, err := waitCtx(ctx, func() (*imap.SearchData, error) {
			return conn.UIDSearch(criteria, &imap.SearchOptions{ReturnAll: true}).Wait()
		})
		if err != nil {
			return eris.Wrap(err, "UID SEARCH")
		}
		if set, ok := data.All.(imap.UIDSet); ok {
			uids, _ = set.Nums()
		}
		return nil
	})
	return uids, err
}

const dedupFetchHeaderFmtHeader = "HEADER.FIELDS"

func (c *Client) FetchHeadersForDedup(ctx context.Context, mailbox string, headerName string) (map[imap.UID]string, error) {
	out := make(map[imap.UID]string)
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		all := imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}
		opts := &imap.FetchOptions{
			UID: true,
			BodySection: []*imap.FetchItemBodySection{{
				Specifier: imap.PartSpecifierHeader,
				HeaderFields: []string{headerName},
			}},
		}
		msgs, err := waitCtx(ctx, func() ([]*imapclient.FetchMessageBuffer, error) {
			return conn.Fetch(all, opts).Collect()
		})
		if err != nil {
			return eris.Wrapf(err, "FETCH 1:* header %s", headerName)
		}
		for _, m := range msgs {
			if len(m.BodySection) == 0 {
				continue
			}
			v := extractHeaderValue(m.BodySection[0].Bytes, headerName)
			if v != "" {
				out[m.UID] = v
			}
		}
		return nil
	})
	return out, err
}

// extractHeaderValue parses a minimal RFC-5322 "Name: value" line out of a
// HEADER.FIELDS fetch result for a single requested header.
func extractHeaderValue(header []byte, name string) string {
	lines := strings.Split(string(header), "\r\n")
	prefix := strings.ToLower(name) + ":"
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}

func (c *Client) FetchBatch(ctx context.Context, mailbox string, uids []imap.UID) ([]FetchedMessage, error) {
	if c.isGmail && c.gmail != nil {
		return c.gmail.fetchFull(ctx, mailbox, uids)
	}

	var out []FetchedMessage
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		for _, u := range uids {
			uidSet.AddNum(u)
		}
		opts := &imap.FetchOptions{
			UID:          true,
			InternalDate: true,
			Flags:        true,
			RFC822Size:   true,
			BodySection:  []*imap.FetchItemBodySection{{}},
		}
		msgs, err := waitCtx(ctx, func() ([]*imapclient.FetchMessageBuffer, error) {
			return conn.Fetch(uidSet, opts).Collect()
		})
		if err != nil {
			return eris.Wrap(err, "UID FETCH")
		}
		for _, m := range msgs {
			fm := FetchedMessage{UID: m.UID, InternalDate: m.InternalDate}
			for _, f := range m.Flags {
				fm.Flags = append(fm.Flags, string(f))
			}
			if len(m.BodySection) > 0 {
				fm.Raw = m.BodySection[0].Bytes
			}
			out = append(out, fm)
		}
		return nil
	})
	return out, err
}

func (c *Client) FetchGmailMsgIDs(ctx context.Context, mailbox string, uids []imap.UID) (map[imap.UID]string, error) {
	if c.gmail == nil {
		return nil, eris.New("FetchGmailMsgIDs called on a non-Gmail connection")
	}
	return c.gmail.fetchMsgIDs(ctx, mailbox, uids)
}

func (c *Client) FetchChangedSince(ctx context.Context, mailbox string, sinceModSeq uint64) ([]FetchedMessage, uint64, error) {
	if !c.Has(CapHighestModSeq) {
		return nil, 0, eris.New("server does not support CONDSTORE")
	}
	if c.isGmail && c.gmail != nil {
		return c.gmail.fetchChangedSince(ctx, mailbox, sinceModSeq)
	}

	var (
		out  []FetchedMessage
		high uint64
	)
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		status, err := waitCtx(ctx, func() (*imap.SelectData, error) {
			return conn.Select(mailbox, nil).Wait()
		})
		if err != nil {
			return eris.Wrapf(err, "SELECT %q", mailbox)
		}
		c.selectedMailbox = mailbox
		high = status.HighestModSeq

		all := imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}
		opts := &imap.FetchOptions{UID: true, Flags: true, ChangedSince: sinceModSeq}
		msgs, err := waitCtx(ctx, func() ([]*imapclient.FetchMessageBuffer, error) {
			return conn.Fetch(all, opts).Collect()
		})
		if err != nil {
			return eris.Wrap(err, "FETCH CHANGEDSINCE")
		}
		for _, m := range msgs {
			fm := FetchedMessage{UID: m.UID, ModSeq: m.ModSeq}
			for _, f := range m.Flags {
				fm.Flags = append(fm.Flags, string(f))
			}
			out = append(out, fm)
		}
		return nil
	})
	return out, high, err
}

// AppendAll approximates MULTIAPPEND with sequential Append calls over one
// connection (§4.1 implementation note: go-imap/v2 exposes no wire-level
// MULTIAPPEND primitive distinct from repeated APPEND).
func (c *Client) AppendAll(ctx context.Context, mailbox string, msgs []AppendMessage) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		for _, m := range msgs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			flags := make([]imap.Flag, 0, len(m.Flags))
			for _, f := range m.Flags {
				flags = append(flags, imap.Flag(f))
			}
			opts := &imap.AppendOptions{Flags: flags, Time: m.InternalDate}
			appendCmd := conn.Append(mailbox, int64(len(m.Raw)), opts)
			if _, err := appendCmd.Write(m.Raw); err != nil {
				_ = appendCmd.Close()
				return eris.Wrapf(err, "APPEND %q write", mailbox)
			}
			if err := appendCmd.Close(); err != nil {
				return eris.Wrapf(err, "APPEND %q close", mailbox)
			}
			if _, err := waitCtx(ctx, func() (*imap.AppendData, error) { return appendCmd.Wait() }); err != nil {
				return eris.Wrapf(err, "APPEND %q wait", mailbox)
			}
		}
		return nil
	})
}

func (c *Client) StoreFlags(ctx context.Context, mailbox string, uid imap.UID, add, remove []string) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if len(add) > 0 {
			flags := make([]imap.Flag, len(add))
			for i, f := range add {
				flags[i] = imap.Flag(f)
			}
			if err := conn.Store(uidSet, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: flags}, nil).Close(); err != nil {
				return eris.Wrap(err, "STORE +FLAGS")
			}
		}
		if len(remove) > 0 {
			flags := make([]imap.Flag, len(remove))
			for i, f := range remove {
				flags[i] = imap.Flag(f)
			}
			if err := conn.Store(uidSet, &imap.StoreFlags{Op: imap.StoreFlagsDel, Silent: true, Flags: flags}, nil).Close(); err != nil {
				return eris.Wrap(err, "STORE -FLAGS")
			}
		}
		return nil
	})
}

func (c *Client) StoreGmailLabels(ctx context.Context, mailbox string, uid imap.UID, add, remove []string) error {
	if c.gmail == nil {
		return eris.New("StoreGmailLabels called on a non-Gmail connection")
	}
	return c.gmail.storeLabels(ctx, mailbox, uid, add, remove)
}

func (c *Client) Move(ctx context.Context, mailbox string, uid imap.UID, destMailbox string) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if _, err := conn.Move(uidSet, destMailbox).Wait(); err != nil {
			return eris.Wrapf(err, "MOVE to %q", destMailbox)
		}
		c.selectedMailbox = ""
		return nil
	})
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selectedMailbox = ""
	if c.gmail != nil {
		c.gmail.close()
	}
	return conn.Logout().Wait()
}
