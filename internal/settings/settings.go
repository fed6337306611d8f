// Package settings provides the per-user key/value store (§5 "shared
// state... per-user settings store") used for cursors, tag registries, and
// account bookkeeping. It lives inside a dedicated IMAP mailbox on the local
// server: one message per key, the key name carried in the Subject header,
// the value as a JSON body. IMAP has no in-place update, so Put deletes the
// prior message for a key (if any) and appends the new one; writes are
// serialized by the local server's own per-mailbox locking (§5).
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	imap "github.com/emersion/go-imap/v2"
	"github.com/rotisserie/eris"

	"github.com/mailstation/mailstation/internal/imapconn"
)

// Mailbox is the name of the settings mailbox on the local IMAP server.
const Mailbox = "Settings"

const subjectHeader = "Subject"

// Store reads and writes keys in the settings mailbox.
type Store struct {
	conn imapconn.Conn
}

// New returns a Store backed by conn. The caller is responsible for ensuring
// the Settings mailbox exists.
func New(conn imapconn.Conn) *Store {
	return &Store{conn: conn}
}

// Get reads the JSON value for key into out. Returns (false, nil) if key is
// not present.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	uid, raw, err := s.find(ctx, key)
	if err != nil {
		return false, err
	}
	if uid == 0 {
		return false, nil
	}
	body, err := extractJSONBody(raw)
	if err != nil {
		return false, eris.Wrapf(err, "decode settings message body for key %q", key)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, eris.Wrapf(err, "unmarshal settings value for key %q", key)
	}
	return true, nil
}

// Put writes value for key, replacing any prior message for that key.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return eris.Wrapf(err, "marshal settings value for key %q", key)
	}

	// Look up the prior revision (if any) before appending, and remove it only
	// after the new one lands, so a crash between append and delete leaves
	// both present — Get below always picks the newest by UID, so a stale
	// duplicate is harmless until the next Put.
	prevUID, _, err := s.find(ctx, key)
	if err != nil {
		return err
	}

	raw := buildMessage(key, body)
	if err := s.conn.AppendAll(ctx, Mailbox, []imapconn.AppendMessage{{Raw: raw}}); err != nil {
		return eris.Wrapf(err, "append settings message for key %q", key)
	}

	if prevUID != 0 {
		if err := s.deleteMessages(ctx, key, prevUID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes all messages for key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.deleteMessages(ctx, key, 0)
}

// find returns the highest-UID message for key (the most recent revision).
func (s *Store) find(ctx context.Context, key string) (imap.UID, []byte, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: subjectHeader, Value: key}},
	}
	uids, err := s.conn.Search(ctx, Mailbox, criteria)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "search settings mailbox for key %q", key)
	}
	if len(uids) == 0 {
		return 0, nil, nil
	}

	newest := uids[0]
	for _, u := range uids[1:] {
		if u > newest {
			newest = u
		}
	}

	msgs, err := s.conn.FetchBatch(ctx, Mailbox, []imap.UID{newest})
	if err != nil {
		return 0, nil, eris.Wrapf(err, "fetch settings message for key %q", key)
	}
	if len(msgs) == 0 {
		return 0, nil, nil
	}
	return newest, msgs[0].Raw, nil
}

// deleteMessages removes every message for key, or only onlyUID when
// nonzero (used by Put to only remove the prior revision).
func (s *Store) deleteMessages(ctx context.Context, key string, onlyUID imap.UID) error {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: subjectHeader, Value: key}},
	}
	uids, err := s.conn.Search(ctx, Mailbox, criteria)
	if err != nil {
		return eris.Wrapf(err, "search settings mailbox for key %q", key)
	}
	for _, uid := range uids {
		if onlyUID != 0 && uid != onlyUID {
			continue
		}
		if err := s.conn.StoreFlags(ctx, Mailbox, uid, []string{imap.FlagDeleted.String()}, nil); err != nil {
			return eris.Wrapf(err, "mark settings message deleted for key %q", key)
		}
	}
	return nil
}

func buildMessage(key string, jsonBody []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\r\n", key)
	b.WriteString("Content-Type: application/json; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.Write(jsonBody)
	return []byte(b.String())
}

// extractJSONBody splits a message produced by buildMessage back into its
// body. It does not attempt general MIME parsing; settings messages are
// always single-part and written by this package.
func extractJSONBody(raw []byte) ([]byte, error) {
	sep := "\r\n\r\n"
	idx := strings.Index(string(raw), sep)
	if idx < 0 {
		return nil, eris.New("settings message has no header/body separator")
	}
	return raw[idx+len(sep):], nil
}
