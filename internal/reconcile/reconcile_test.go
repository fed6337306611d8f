package reconcile

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	imap "github.com/emersion/go-imap/v2"

	"github.com/mailstation/mailstation/internal/imapconn"
	"github.com/mailstation/mailstation/internal/labels"
	"github.com/mailstation/mailstation/internal/settings"
)

type fakeMsg struct {
	uid         imap.UID
	flags       []string
	gmailMsgID  string
	gmailLabels []string
	modSeq      uint64
	raw         []byte
}

// fakeConn is a minimal in-memory imapconn.Conn good enough to drive the
// reconciler's algorithm without a real server, in the same spirit as the
// fakes in internal/fetch and internal/threader's test files.
type fakeConn struct {
	mailboxes     map[string][]*fakeMsg
	specialUse    map[imapconn.SpecialUseTag]string
	folders       []string
	highestModSeq map[string]uint64
	nextUID       map[string]imap.UID
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		mailboxes:     map[string][]*fakeMsg{},
		specialUse:    map[imapconn.SpecialUseTag]string{},
		highestModSeq: map[string]uint64{},
		nextUID:       map[string]imap.UID{},
	}
}

func (f *fakeConn) seed(mailbox string, m *fakeMsg) {
	f.mailboxes[mailbox] = append(f.mailboxes[mailbox], m)
	if m.modSeq > f.highestModSeq[mailbox] {
		f.highestModSeq[mailbox] = m.modSeq
	}
	if m.uid >= f.nextUID[mailbox] {
		f.nextUID[mailbox] = m.uid + 1
	}
}

func (f *fakeConn) find(mailbox string, uid imap.UID) *fakeMsg {
	for _, m := range f.mailboxes[mailbox] {
		if m.uid == uid {
			return m
		}
	}
	return nil
}

func (f *fakeConn) Has(imapconn.Capability) bool { return true }

func (f *fakeConn) SelectTag(_ context.Context, tag imapconn.SpecialUseTag) (string, bool, error) {
	box, ok := f.specialUse[tag]
	return box, ok, nil
}

func (f *fakeConn) Status(_ context.Context, mailbox string) (*imapconn.MailboxStatus, error) {
	return &imapconn.MailboxStatus{
		HighestModSeq:    f.highestModSeq[mailbox],
		HasHighestModSeq: true,
		NumMessages:      uint32(len(f.mailboxes[mailbox])),
	}, nil
}

func (f *fakeConn) SearchUIDRange(_ context.Context, mailbox string, fromUID imap.UID) ([]imap.UID, error) {
	var out []imap.UID
	for _, m := range f.mailboxes[mailbox] {
		if m.uid >= fromUID {
			out = append(out, m.uid)
		}
	}
	return out, nil
}

func (f *fakeConn) FetchHeadersForDedup(_ context.Context, mailbox string, headerName string) (map[imap.UID]string, error) {
	out := map[imap.UID]string{}
	if headerName != "X-GM-MSGID" {
		return out, nil
	}
	for _, m := range f.mailboxes[mailbox] {
		if m.gmailMsgID != "" {
			out[m.uid] = m.gmailMsgID
		}
	}
	return out, nil
}

func (f *fakeConn) FetchBatch(_ context.Context, mailbox string, uids []imap.UID) ([]imapconn.FetchedMessage, error) {
	var out []imapconn.FetchedMessage
	for _, uid := range uids {
		if m := f.find(mailbox, uid); m != nil {
			out = append(out, imapconn.FetchedMessage{
				UID: m.uid, Flags: append([]string{}, m.flags...),
				GmailMsgID: m.gmailMsgID, GmailLabels: append([]string{}, m.gmailLabels...),
				ModSeq: m.modSeq, Raw: m.raw,
			})
		}
	}
	return out, nil
}

func (f *fakeConn) FetchGmailMsgIDs(_ context.Context, mailbox string, uids []imap.UID) (map[imap.UID]string, error) {
	out := map[imap.UID]string{}
	for _, uid := range uids {
		if m := f.find(mailbox, uid); m != nil && m.gmailMsgID != "" {
			out[uid] = m.gmailMsgID
		}
	}
	return out, nil
}

func (f *fakeConn) FetchChangedSince(_ context.Context, mailbox string, sinceModSeq uint64) ([]imapconn.FetchedMessage, uint64, error) {
	var out []imapconn.FetchedMessage
	for _, m := range f.mailboxes[mailbox] {
		if m.modSeq > sinceModSeq {
			out = append(out, imapconn.FetchedMessage{
				UID: m.uid, Flags: append([]string{}, m.flags...),
				GmailMsgID: m.gmailMsgID, GmailLabels: append([]string{}, m.gmailLabels...),
				ModSeq: m.modSeq,
			})
		}
	}
	return out, f.highestModSeq[mailbox], nil
}

func (f *fakeConn) AppendAll(_ context.Context, mailbox string, msgs []imapconn.AppendMessage) error {
	for _, am := range msgs {
		uid := f.nextUID[mailbox]
		f.seed(mailbox, &fakeMsg{uid: uid, flags: am.Flags, raw: am.Raw})
	}
	return nil
}

func (f *fakeConn) StoreFlags(_ context.Context, mailbox string, uid imap.UID, add, remove []string) error {
	m := f.find(mailbox, uid)
	if m == nil {
		return nil
	}
	m.flags = applyDiff(m.flags, add, remove)
	m.modSeq++
	if m.modSeq > f.highestModSeq[mailbox] {
		f.highestModSeq[mailbox] = m.modSeq
	}
	return nil
}

func (f *fakeConn) StoreGmailLabels(_ context.Context, mailbox string, uid imap.UID, add, remove []string) error {
	m := f.find(mailbox, uid)
	if m == nil {
		return nil
	}
	m.gmailLabels = applyDiff(m.gmailLabels, add, remove)
	m.modSeq++
	if m.modSeq > f.highestModSeq[mailbox] {
		f.highestModSeq[mailbox] = m.modSeq
	}
	return nil
}

func (f *fakeConn) Move(_ context.Context, mailbox string, uid imap.UID, destMailbox string) error {
	var kept []*fakeMsg
	for _, m := range f.mailboxes[mailbox] {
		if m.uid == uid {
			newUID := f.nextUID[destMailbox]
			m.uid = newUID
			f.mailboxes[destMailbox] = append(f.mailboxes[destMailbox], m)
			f.nextUID[destMailbox] = newUID + 1
			continue
		}
		kept = append(kept, m)
	}
	f.mailboxes[mailbox] = kept
	return nil
}

// Search supports the single-header-equality queries settings.Store issues
// against the Settings mailbox (Subject == key).
func (f *fakeConn) Search(_ context.Context, mailbox string, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	if criteria == nil || len(criteria.Header) == 0 {
		return nil, nil
	}
	h := criteria.Header[0]
	var out []imap.UID
	for _, m := range f.mailboxes[mailbox] {
		if v, ok := extractHeader(m.raw, h.Key); ok && v == h.Value {
			out = append(out, m.uid)
		}
	}
	return out, nil
}

func extractHeader(raw []byte, key string) (string, bool) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	prefix := strings.ToLower(key) + ":"
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			break
		}
		if len(line) > len(prefix) && strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

func (f *fakeConn) ListFolders(context.Context) ([]string, error) {
	return f.folders, nil
}

func (f *fakeConn) Close() error { return nil }

func applyDiff(have []string, add, remove []string) []string {
	set := map[string]bool{}
	for _, v := range have {
		set[v] = true
	}
	for _, v := range remove {
		delete(set, v)
	}
	for _, v := range add {
		set[v] = true
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

var _ imapconn.Conn = (*fakeConn)(nil)

type fakePairer struct {
	pairs map[imap.UID]imap.UID
}

func (p *fakePairer) PairOriginUIDs(_ context.Context, srcUIDs []imap.UID) (map[imap.UID]imap.UID, error) {
	out := map[imap.UID]imap.UID{}
	for _, uid := range srcUIDs {
		if v, ok := p.pairs[uid]; ok {
			out[uid] = v
		}
	}
	return out, nil
}

func newTestReconciler(t *testing.T, remote, local *fakeConn, pairer Pairer, cfg Config) *Reconciler {
	t.Helper()
	store := settings.New(local)
	resolver := labels.NewTagStore(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(remote, local, store, resolver, pairer, cfg, logger)
}

func baseConfig() Config {
	return Config{Host: "imap.example.com", Username: "user@example.com", SrcMailbox: "SRC", ParsedMailbox: "ALL", LocalMailbox: "LOCAL"}
}

func TestReconcile_LocalWinsPushesToRemote(t *testing.T) {
	ctx := context.Background()

	remote := newFakeConn()
	remote.specialUse[imapconn.TagAll] = "ALLMAIL"
	remote.specialUse[imapconn.TagInbox] = "INBOX"
	remote.folders = []string{"INBOX", "ALLMAIL"}
	remote.seed("ALLMAIL", &fakeMsg{uid: 9, gmailMsgID: "m1", gmailLabels: []string{"\\Inbox"}})
	remote.seed("INBOX", &fakeMsg{uid: 50, gmailMsgID: "m1", gmailLabels: []string{"\\Inbox"}, modSeq: 10})

	local := newFakeConn()
	local.seed("SRC", &fakeMsg{uid: 1, gmailMsgID: "m1"})
	local.seed("LOCAL", &fakeMsg{uid: 1, flags: []string{"\\Seen", "#inbox", "\\Flagged"}, modSeq: 5})

	store := settings.New(local)
	if err := store.SaveModSeqCursor(ctx, "imap.example.com", "user@example.com", "INBOX", settings.ModSeqCursor{HighestModSeq: 0}); err != nil {
		t.Fatalf("seed inbox cursor: %v", err)
	}
	if err := store.SaveModSeqCursor(ctx, "imap.example.com", "user@example.com", "LOCAL", settings.ModSeqCursor{HighestModSeq: 0}); err != nil {
		t.Fatalf("seed local cursor: %v", err)
	}

	resolver := labels.NewTagStore(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(remote, local, store, resolver, nil, baseConfig(), logger)

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := remote.find("ALLMAIL", 9)
	if got == nil {
		t.Fatal("all-mail row vanished")
	}
	if !containsFlag(got.flags, "\\Seen") || !containsFlag(got.flags, "\\Flagged") {
		t.Errorf("expected \\Seen and \\Flagged pushed to remote, got flags=%v labels=%v", got.flags, got.gmailLabels)
	}
	if !containsFlag(got.gmailLabels, "\\Inbox") {
		t.Errorf("expected \\Inbox label retained, got %v", got.gmailLabels)
	}
}

func TestReconcile_SeedsCursorOnFirstCycleWithoutPulling(t *testing.T) {
	ctx := context.Background()

	remote := newFakeConn()
	remote.folders = []string{"INBOX"}
	remote.seed("INBOX", &fakeMsg{uid: 1, gmailMsgID: "m1", gmailLabels: []string{"\\Inbox"}, modSeq: 7})

	local := newFakeConn()
	r := newTestReconciler(t, remote, local, nil, baseConfig())

	flagsByUID, pending, err := r.readRemoteChanges(ctx, map[string]imap.UID{})
	if err != nil {
		t.Fatalf("readRemoteChanges: %v", err)
	}
	if len(flagsByUID) != 0 {
		t.Errorf("expected no remote changes surfaced on seed cycle, got %v", flagsByUID)
	}
	if pending["INBOX"] != 7 {
		t.Errorf("expected pending modseq seeded to current highest (7), got %d", pending["INBOX"])
	}
}

func TestReconcile_RelocatesOutOfTrashBeforeUnlabeling(t *testing.T) {
	ctx := context.Background()

	remote := newFakeConn()
	remote.specialUse[imapconn.TagAll] = "ALLMAIL"
	remote.specialUse[imapconn.TagInbox] = "INBOX"
	remote.specialUse[imapconn.TagTrash] = "TRASH"
	remote.folders = []string{"ALLMAIL", "TRASH"}
	remote.seed("ALLMAIL", &fakeMsg{uid: 9, gmailMsgID: "m1", gmailLabels: []string{"\\Trash"}})
	remote.seed("TRASH", &fakeMsg{uid: 3, gmailMsgID: "m1", gmailLabels: []string{"\\Trash"}})

	local := newFakeConn()
	local.seed("SRC", &fakeMsg{uid: 1, gmailMsgID: "m1"})

	r := newTestReconciler(t, remote, local, nil, baseConfig())

	// Local wants the message back in the inbox, not trashed.
	msgIDByUID := map[imap.UID]string{1: "m1"}
	if err := r.push(ctx, 1, []string{"#inbox"}, msgIDByUID); err != nil {
		t.Fatalf("push: %v", err)
	}

	if len(remote.mailboxes["TRASH"]) != 0 {
		t.Errorf("expected message moved out of TRASH, still present: %v", remote.mailboxes["TRASH"])
	}
	if len(remote.mailboxes["INBOX"]) != 1 {
		t.Errorf("expected message relocated into INBOX, got %v", remote.mailboxes["INBOX"])
	}

	got := remote.find("ALLMAIL", 9)
	if got == nil {
		t.Fatal("all-mail row vanished")
	}
	if containsFlag(got.gmailLabels, "\\Trash") {
		t.Errorf("expected \\Trash label removed, got %v", got.gmailLabels)
	}
	if !containsFlag(got.gmailLabels, "\\Inbox") {
		t.Errorf("expected \\Inbox label present after relocate+push, got %v", got.gmailLabels)
	}
}

func TestReconcile_PullRestrictsToControlledFlags(t *testing.T) {
	ctx := context.Background()

	remote := newFakeConn()
	local := newFakeConn()
	local.seed("ALL", &fakeMsg{uid: 20, flags: []string{}})

	pairer := &fakePairer{pairs: map[imap.UID]imap.UID{7: 20}}
	r := newTestReconciler(t, remote, local, pairer, baseConfig())

	// Remote has both a controlled tag (#inbox) and an uncontrolled one
	// (#sent, which local never tracks for messages it hasn't fetched).
	remoteFlags := []string{"#inbox", "\\Seen", "#sent"}
	if err := r.pull(ctx, 7, remoteFlags); err != nil {
		t.Fatalf("pull: %v", err)
	}

	got := local.find("ALL", 20)
	if got == nil {
		t.Fatal("all row vanished")
	}
	if !containsFlag(got.flags, "#inbox") || !containsFlag(got.flags, "\\Seen") {
		t.Errorf("expected controlled flags applied, got %v", got.flags)
	}
	if containsFlag(got.flags, "#sent") {
		t.Errorf("expected #sent (uncontrolled) left untouched, got %v", got.flags)
	}
	if containsFlag(got.flags, "#trash") || containsFlag(got.flags, "#spam") || containsFlag(got.flags, "\\Flagged") {
		t.Errorf("expected absent controlled flags removed/never added, got %v", got.flags)
	}
}

func TestTranslateRemoteFlags_DecodesUTF7LabelBeforeTagging(t *testing.T) {
	decodedName := "Projet Café"
	encodedName, err := labels.EncodeMailboxUTF7(decodedName)
	if err != nil {
		t.Fatalf("EncodeMailboxUTF7: %v", err)
	}
	if encodedName == decodedName {
		t.Fatalf("fixture label %q round-trips unchanged through UTF-7, test would pass vacuously", decodedName)
	}

	remote := newFakeConn()
	local := newFakeConn()
	r := newTestReconciler(t, remote, local, nil, baseConfig())

	wantTag, err := r.resolver.ResolveLabel(decodedName)
	if err != nil {
		t.Fatalf("ResolveLabel: %v", err)
	}

	got := r.translateRemoteFlags(imapconn.FetchedMessage{GmailLabels: []string{encodedName}})
	if !containsFlag(got, wantTag) {
		t.Errorf("translateRemoteFlags(%q) = %v, want it to contain %q (resolved from decoded name %q)",
			encodedName, got, wantTag, decodedName)
	}
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
