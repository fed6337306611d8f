package threader

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	imap "github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mailstation/mailstation/internal/imapconn"
)

// Header names used in SRC provenance blocks and ALL rows. The ALL row
// headers exist purely so the index-building FetchHeadersForDedup scans
// (§4.2's dedup technique, reused here for pairing) can find a row's origin
// without parsing its JSON body.
const (
	headerSrcUID    = "X-Src-UID"
	headerMessageID = "Message-ID"
	headerThreadID  = "X-Thread-ID"

	threadKeywordPrefix = "mlr/thrid/"
)

// Threader implements §4.5: it consumes SRC rows not yet represented in ALL,
// parses them, assigns a thread id, and materializes the result as a JSON
// body in ALL. It is the sync engine's only contract surface for parsing —
// callers never touch enmime or thread assignment directly.
type Threader struct {
	conn                   imapconn.Conn
	srcMailbox, allMailbox string
}

// New returns a Threader operating against the given SRC/ALL mailbox names.
func New(conn imapconn.Conn, srcMailbox, allMailbox string) *Threader {
	return &Threader{conn: conn, srcMailbox: srcMailbox, allMailbox: allMailbox}
}

// Parse processes every SRC row not yet paired with an ALL row: it parses
// the message, assigns a thread id, and appends the normalized metadata to
// ALL. It returns the number of rows materialized. A single corrupt SRC row
// degrades to a placeholder (§7 error kind 3, scenario S8) rather than
// aborting the batch.
func (t *Threader) Parse(ctx context.Context) (int, error) {
	pairedSrcUIDs, err := t.pairedSourceUIDs(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "load existing src/all pairing")
	}

	srcUIDs, err := t.conn.SearchUIDRange(ctx, t.srcMailbox, 1)
	if err != nil {
		return 0, eris.Wrap(err, "list src uids")
	}

	var pending []imap.UID
	for _, uid := range srcUIDs {
		if !pairedSrcUIDs[uid] {
			pending = append(pending, uid)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	index, err := t.loadThreadIndex(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "load thread index")
	}

	fetched, err := t.conn.FetchBatch(ctx, t.srcMailbox, pending)
	if err != nil {
		return 0, eris.Wrap(err, "fetch pending src rows")
	}

	toAppend := make([]imapconn.AppendMessage, 0, len(fetched))
	for _, fm := range fetched {
		pm, err := Parse(stripProvenance(fm.Raw))
		if err != nil {
			// Parse itself never errors (see Parse's contract); this branch
			// exists only to honor the interface and is defensive.
			pm = NewPlaceholder(err)
		}

		pm.ThreadID = t.assignThreadID(pm, fm, index)
		if pm.MessageID != "" {
			index[pm.MessageID] = pm.ThreadID
		}

		body, err := json.Marshal(pm)
		if err != nil {
			return len(toAppend), eris.Wrap(err, "marshal parsed message")
		}

		raw := buildAllMessage(fm.UID, pm, body)
		toAppend = append(toAppend, imapconn.AppendMessage{
			Flags:        fm.Flags,
			InternalDate: fm.InternalDate,
			Raw:          raw,
		})
	}

	if err := t.conn.AppendAll(ctx, t.allMailbox, toAppend); err != nil {
		return 0, eris.Wrap(err, "append parsed rows")
	}
	return len(toAppend), nil
}

// assignThreadID implements §4.5's three-step thread assignment: adopt an
// existing mlr/thrid/N keyword, else walk References/In-Reply-To to find an
// already-parsed parent, else mint a fresh id.
func (t *Threader) assignThreadID(pm *ParsedMessage, fm imapconn.FetchedMessage, index map[string]string) string {
	for _, flag := range fm.Flags {
		if strings.HasPrefix(flag, threadKeywordPrefix) {
			return flag
		}
	}

	if pm.InReplyTo != "" {
		if tid, ok := index[pm.InReplyTo]; ok {
			return tid
		}
	}
	for i := len(pm.References) - 1; i >= 0; i-- {
		if tid, ok := index[pm.References[i]]; ok {
			return tid
		}
	}

	return mintThreadID()
}

// mintThreadID mints a fresh mlr/thrid/N keyword from a random UUID, per
// §2.2's grounding on aerion/madmail's use of google/uuid.
func mintThreadID() string {
	id := uuid.New()
	n := binary.BigEndian.Uint64(id[:8]) >> 1 // clear sign bit; keep it a positive decimal
	return fmt.Sprintf("%s%d", threadKeywordPrefix, n)
}

// loadThreadIndex builds a Message-ID -> thread id map from every row
// already materialized in ALL, so newly parsed messages can find their
// parent thread without re-parsing JSON bodies.
func (t *Threader) loadThreadIndex(ctx context.Context) (map[string]string, error) {
	messageIDs, err := t.conn.FetchHeadersForDedup(ctx, t.allMailbox, headerMessageID)
	if err != nil {
		return nil, eris.Wrap(err, "scan all message-ids")
	}
	threadIDs, err := t.conn.FetchHeadersForDedup(ctx, t.allMailbox, headerThreadID)
	if err != nil {
		return nil, eris.Wrap(err, "scan all thread-ids")
	}

	index := make(map[string]string, len(messageIDs))
	for uid, msgID := range messageIDs {
		msgID = strings.Trim(msgID, "<>")
		if msgID == "" {
			continue
		}
		if tid, ok := threadIDs[uid]; ok && tid != "" {
			index[msgID] = tid
		}
	}
	return index, nil
}

// pairedSourceUIDs returns the set of SRC UIDs that already have a
// corresponding ALL row, derived from the X-Src-UID header every ALL row
// carries.
func (t *Threader) pairedSourceUIDs(ctx context.Context) (map[imap.UID]bool, error) {
	headers, err := t.conn.FetchHeadersForDedup(ctx, t.allMailbox, headerSrcUID)
	if err != nil {
		return nil, err
	}
	done := make(map[imap.UID]bool, len(headers))
	for _, v := range headers {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			continue
		}
		done[imap.UID(n)] = true
	}
	return done, nil
}

// PairOriginUIDs maps each of srcUIDs to its ALL-side UID, for rows that
// have already been parsed. Unparsed SRC UIDs are simply absent from the
// result, matching §4.5's "expose PairOriginUIDs(src_uids) → parsed_uids".
func (t *Threader) PairOriginUIDs(ctx context.Context, srcUIDs []imap.UID) (map[imap.UID]imap.UID, error) {
	headers, err := t.conn.FetchHeadersForDedup(ctx, t.allMailbox, headerSrcUID)
	if err != nil {
		return nil, eris.Wrap(err, "scan all src-uid headers")
	}

	want := make(map[imap.UID]bool, len(srcUIDs))
	for _, uid := range srcUIDs {
		want[uid] = true
	}

	pairs := make(map[imap.UID]imap.UID)
	for allUID, v := range headers {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			continue
		}
		srcUID := imap.UID(n)
		if srcUIDs == nil || want[srcUID] {
			pairs[srcUID] = allUID
		}
	}
	return pairs, nil
}

// ReverseOriginUIDs inverts PairOriginUIDs: given ALL-side UIDs, returns the
// SRC-side UID each was parsed from.
func (t *Threader) ReverseOriginUIDs(ctx context.Context, allUIDs []imap.UID) (map[imap.UID]imap.UID, error) {
	pairs, err := t.PairOriginUIDs(ctx, nil)
	if err != nil {
		return nil, err
	}
	want := make(map[imap.UID]bool, len(allUIDs))
	for _, uid := range allUIDs {
		want[uid] = true
	}
	out := make(map[imap.UID]imap.UID, len(allUIDs))
	for srcUID, allUID := range pairs {
		if allUIDs == nil || want[allUID] {
			out[allUID] = srcUID
		}
	}
	return out, nil
}

// MirrorFlags copies current SRC flags onto each paired ALL row, per §4.5's
// "mirror SRC flags onto ALL". It is idempotent: rows whose flags already
// match are left untouched.
func (t *Threader) MirrorFlags(ctx context.Context) error {
	pairs, err := t.PairOriginUIDs(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "load src/all pairing")
	}
	for srcUID, allUID := range pairs {
		srcMsgs, err := t.conn.FetchBatch(ctx, t.srcMailbox, []imap.UID{srcUID})
		if err != nil || len(srcMsgs) == 0 {
			continue
		}
		allMsgs, err := t.conn.FetchBatch(ctx, t.allMailbox, []imap.UID{allUID})
		if err != nil || len(allMsgs) == 0 {
			continue
		}

		add, remove := diffFlags(allMsgs[0].Flags, srcMsgs[0].Flags)
		if len(add) == 0 && len(remove) == 0 {
			continue
		}
		if err := t.conn.StoreFlags(ctx, t.allMailbox, allUID, add, remove); err != nil {
			return eris.Wrapf(err, "mirror flags onto all uid %d", allUID)
		}
	}
	return nil
}

// diffFlags returns the flags present in want but absent from have (add),
// and those present in have but absent from want (remove).
func diffFlags(have, want []string) (add, remove []string) {
	haveSet := make(map[string]bool, len(have))
	for _, f := range have {
		haveSet[f] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, f := range want {
		wantSet[f] = true
		if !haveSet[f] {
			add = append(add, f)
		}
	}
	for _, f := range have {
		if !wantSet[f] {
			remove = append(remove, f)
		}
	}
	return add, remove
}

// stripProvenance removes the provenance header block SRC rows are
// prefixed with (§4.1), returning the original RFC-5322 bytes that follow
// the first blank line.
func stripProvenance(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[idx+2:]
	}
	return raw
}

// buildAllMessage renders an ALL-mailbox row: a minimal header block
// (Subject, Message-ID, X-Src-UID, X-Thread-ID) followed by the JSON
// metadata body, keeping ALL a flat append-only IMAP store per §6.
func buildAllMessage(srcUID imap.UID, pm *ParsedMessage, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Subject: %s\r\n", sanitizeHeaderValue(pm.Subject))
	if pm.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", sanitizeHeaderValue(pm.MessageID))
	}
	fmt.Fprintf(&buf, "%s: %d\r\n", headerSrcUID, srcUID)
	fmt.Fprintf(&buf, "%s: %s\r\n", headerThreadID, pm.ThreadID)
	buf.WriteString("Content-Type: application/json; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

func sanitizeHeaderValue(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
