package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	imap "github.com/emersion/go-imap/v2"

	"github.com/mailstation/mailstation/internal/imapconn"
	"github.com/mailstation/mailstation/internal/lock"
	"github.com/mailstation/mailstation/internal/settings"
	"github.com/mailstation/mailstation/internal/smtp"
	"github.com/mailstation/mailstation/internal/threader"
)

// fakeConn is a bare-bones imapconn.Conn stub: engine-level tests exercise
// orchestration (locking, mailbox routing, wiring), not the sync algorithms
// themselves, which are covered in internal/fetch, internal/threader, and
// internal/reconcile's own test suites.
type fakeConn struct {
	closed bool

	storeCalls []storeCall

	fetchByUID  map[imap.UID][]byte
	searchUIDs  []imap.UID
}

type storeCall struct {
	mailbox      string
	uid          imap.UID
	add, remove  []string
}

func (f *fakeConn) Has(imapconn.Capability) bool { return false }
func (f *fakeConn) SelectTag(context.Context, imapconn.SpecialUseTag) (string, bool, error) {
	return "", false, nil
}
func (f *fakeConn) Status(context.Context, string) (*imapconn.MailboxStatus, error) {
	return &imapconn.MailboxStatus{}, nil
}
func (f *fakeConn) SearchUIDRange(context.Context, string, imap.UID) ([]imap.UID, error) {
	return nil, nil
}
func (f *fakeConn) FetchHeadersForDedup(context.Context, string, string) (map[imap.UID]string, error) {
	return nil, nil
}
func (f *fakeConn) FetchBatch(_ context.Context, _ string, uids []imap.UID) ([]imapconn.FetchedMessage, error) {
	out := make([]imapconn.FetchedMessage, 0, len(uids))
	for _, uid := range uids {
		out = append(out, imapconn.FetchedMessage{UID: uid, Raw: f.fetchByUID[uid]})
	}
	return out, nil
}
func (f *fakeConn) FetchGmailMsgIDs(context.Context, string, []imap.UID) (map[imap.UID]string, error) {
	return nil, nil
}
func (f *fakeConn) FetchChangedSince(context.Context, string, uint64) ([]imapconn.FetchedMessage, uint64, error) {
	return nil, 0, nil
}
func (f *fakeConn) AppendAll(context.Context, string, []imapconn.AppendMessage) error { return nil }
func (f *fakeConn) StoreFlags(_ context.Context, mailbox string, uid imap.UID, add, remove []string) error {
	f.storeCalls = append(f.storeCalls, storeCall{mailbox: mailbox, uid: uid, add: add, remove: remove})
	return nil
}
func (f *fakeConn) StoreGmailLabels(context.Context, string, imap.UID, []string, []string) error {
	return nil
}
func (f *fakeConn) Move(context.Context, string, imap.UID, string) error { return nil }
func (f *fakeConn) Search(context.Context, string, *imap.SearchCriteria) ([]imap.UID, error) {
	return f.searchUIDs, nil
}
func (f *fakeConn) ListFolders(context.Context) ([]string, error) { return nil, nil }
func (f *fakeConn) Close() error                                  { f.closed = true; return nil }

var _ imapconn.Conn = (*fakeConn)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(t *testing.T, remote, local *fakeConn) *Engine {
	t.Helper()
	cfg := AccountConfig{
		Remote: imapconn.ClientConfig{Host: "imap.example.com", Username: "alice"},
		Local:  imapconn.ClientConfig{Host: "localhost", Username: "alice"},
		SMTP:   smtp.Config{Host: "smtp.example.com", Port: 587},
		LockDir: t.TempDir(),
	}
	store := settings.New(local)
	th := threader.New(local, cfg.srcMailbox(), cfg.allMailbox())
	return &Engine{
		cfg:      cfg,
		remote:   remote,
		local:    local,
		settings: store,
		threader: th,
		smtpClient: smtp.NewClient(cfg.SMTP),
		logger:   testLogger(),
	}
}

func TestEngine_SyncOnceReturnsErrHeldWhenLocked(t *testing.T) {
	remote, local := &fakeConn{}, &fakeConn{}
	e := newTestEngine(t, remote, local)

	held, err := lock.TryAcquire(e.cfg.LockDir, e.lockName())
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer held.Release()

	_, err = e.SyncOnce(context.Background())
	if !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("SyncOnce error = %v, want lock.ErrHeld", err)
	}
}

func TestEngine_FlagStoresDirectlyOnLocalMailbox(t *testing.T) {
	remote, local := &fakeConn{}, &fakeConn{}
	e := newTestEngine(t, remote, local)

	if err := e.Flag(context.Background(), 7, []string{"\\Seen"}, nil); err != nil {
		t.Fatalf("Flag: %v", err)
	}

	if len(local.storeCalls) != 1 {
		t.Fatalf("expected one StoreFlags call, got %d", len(local.storeCalls))
	}
	call := local.storeCalls[0]
	if call.mailbox != e.cfg.localMailbox() || call.uid != 7 {
		t.Errorf("unexpected store call: %+v", call)
	}
	if len(remote.storeCalls) != 0 {
		t.Error("Flag must not touch the remote connection directly")
	}
}

func TestEngine_CloseClosesBothConnections(t *testing.T) {
	remote, local := &fakeConn{}, &fakeConn{}
	e := newTestEngine(t, remote, local)

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !remote.closed || !local.closed {
		t.Errorf("expected both connections closed, remote=%v local=%v", remote.closed, local.closed)
	}
}

// encodeRow builds a raw ALL-mailbox row in the same header+JSON shape
// threader.buildAllMessage produces, so DecodeParsedMessage can recover it.
func encodeRow(t *testing.T, pm threader.ParsedMessage) []byte {
	t.Helper()
	body, err := json.Marshal(pm)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return append([]byte("Subject: "+pm.Subject+"\r\n\r\n"), body...)
}

func TestEngine_MessagesInfoDecodesRows(t *testing.T) {
	remote, local := &fakeConn{}, &fakeConn{}
	local.fetchByUID = map[imap.UID][]byte{
		1: encodeRow(t, threader.ParsedMessage{Subject: "hello", ThreadID: "t1"}),
	}
	e := newTestEngine(t, remote, local)

	msgs, err := e.MessagesInfo(context.Background(), []imap.UID{1})
	if err != nil {
		t.Fatalf("MessagesInfo: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "hello" || msgs[0].ThreadID != "t1" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestEngine_MessagesInfoPlaceholdersOnDecodeFailure(t *testing.T) {
	remote, local := &fakeConn{}, &fakeConn{}
	local.fetchByUID = map[imap.UID][]byte{
		1: []byte("not a valid all row"),
	}
	e := newTestEngine(t, remote, local)

	msgs, err := e.MessagesInfo(context.Background(), []imap.UID{1})
	if err != nil {
		t.Fatalf("MessagesInfo: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Placeholder {
		t.Errorf("expected a placeholder message, got %+v", msgs[0])
	}
}

func TestEngine_ThreadsInfoGroupsBySharedThreadID(t *testing.T) {
	remote, local := &fakeConn{}, &fakeConn{}
	local.fetchByUID = map[imap.UID][]byte{
		1: encodeRow(t, threader.ParsedMessage{Subject: "first", ThreadID: "t1"}),
		2: encodeRow(t, threader.ParsedMessage{Subject: "reply", ThreadID: "t1"}),
	}
	local.searchUIDs = []imap.UID{1, 2}
	e := newTestEngine(t, remote, local)

	threads, err := e.ThreadsInfo(context.Background(), []imap.UID{1})
	if err != nil {
		t.Fatalf("ThreadsInfo: %v", err)
	}
	msgs, ok := threads[1]
	if !ok || len(msgs) != 2 {
		t.Fatalf("threads[1] = %+v", threads[1])
	}
}

func TestEngine_ThreadsInfoSingleMessageWhenNoThreadID(t *testing.T) {
	remote, local := &fakeConn{}, &fakeConn{}
	local.fetchByUID = map[imap.UID][]byte{
		1: encodeRow(t, threader.ParsedMessage{Subject: "lonely"}),
	}
	e := newTestEngine(t, remote, local)

	threads, err := e.ThreadsInfo(context.Background(), []imap.UID{1})
	if err != nil {
		t.Fatalf("ThreadsInfo: %v", err)
	}
	if len(threads[1]) != 1 || threads[1][0].Subject != "lonely" {
		t.Errorf("threads[1] = %+v", threads[1])
	}
}
