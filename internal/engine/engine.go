// Package engine orchestrates one account's sync cycle: it owns the remote
// and local IMAP connections and wires them into a Fetcher, a Threader, a
// Flag Reconciler (Gmail accounts only), and an SMTP client, serializing
// fetch/reconcile cycles behind the per-account lock (§5
// "UserScopeLock('remote-fetch')"). Grounded on msgvault's
// cmd/msgvault/cmd/sync.go wiring pattern (one connection pair per account,
// built from config and handed to the sync components) and on SPEC_FULL.md
// §4.6 for the send-then-refresh sequencing.
package engine

import (
	"context"
	"log/slog"

	imap "github.com/emersion/go-imap/v2"
	"github.com/rotisserie/eris"

	"github.com/mailstation/mailstation/internal/fetch"
	"github.com/mailstation/mailstation/internal/imapconn"
	"github.com/mailstation/mailstation/internal/labels"
	"github.com/mailstation/mailstation/internal/lock"
	"github.com/mailstation/mailstation/internal/query"
	"github.com/mailstation/mailstation/internal/reconcile"
	"github.com/mailstation/mailstation/internal/settings"
	"github.com/mailstation/mailstation/internal/smtp"
	"github.com/mailstation/mailstation/internal/threader"
)

// AccountConfig is everything an Engine needs to sync and send for one
// account. Remote names the remote account; Local configures the local IMAP
// server that holds SRC/ALL/\Local/settings.
type AccountConfig struct {
	Remote imapconn.ClientConfig
	Local  imapconn.ClientConfig
	SMTP   smtp.Config
	IsGmail bool

	SrcMailbox   string // default "SRC"
	AllMailbox   string // default "ALL"
	LocalMailbox string // default "\\Local"

	RemoteSrcTag imapconn.SpecialUseTag // usually TagAll
	RemoteSrcBox string                 // fallback mailbox name if no SPECIAL-USE

	SkipDrafts  bool
	Concurrency int
	BatchSize   int

	LockDir string
}

func (c AccountConfig) srcMailbox() string {
	if c.SrcMailbox != "" {
		return c.SrcMailbox
	}
	return "SRC"
}

func (c AccountConfig) allMailbox() string {
	if c.AllMailbox != "" {
		return c.AllMailbox
	}
	return "ALL"
}

func (c AccountConfig) localMailbox() string {
	if c.LocalMailbox != "" {
		return c.LocalMailbox
	}
	return "\\Local"
}

// tagOrBoxName mirrors fetch.Config.tagOrBox: the cursor key for the remote
// source mailbox is scoped by special-use tag when advertised, or by the
// literal fallback mailbox name otherwise.
func (c AccountConfig) tagOrBoxName() string {
	if c.RemoteSrcTag != "" {
		return string(c.RemoteSrcTag)
	}
	return c.RemoteSrcBox
}

// Result summarizes one sync cycle for logging/API responses.
type Result struct {
	Fetched int
	Parsed  int
}

// Engine ties one account's connections and sync components together.
type Engine struct {
	cfg AccountConfig

	remote imapconn.Conn
	local  imapconn.Conn

	settings *settings.Store
	resolver labels.Resolver

	fetcher    *fetch.Fetcher
	threader   *threader.Threader
	reconciler *reconcile.Reconciler
	smtpClient *smtp.Client

	logger *slog.Logger
}

// New builds an Engine from cfg. Connections are dialed lazily by
// imapconn.Client on first use, so New performs no I/O.
func New(cfg AccountConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	remote := imapconn.NewClient(cfg.Remote, cfg.IsGmail)
	local := imapconn.NewClient(cfg.Local, cfg.IsGmail)

	store := settings.New(local)
	var resolver labels.Resolver
	if cfg.IsGmail {
		resolver = labels.NewTagStore(store)
	}

	th := threader.New(local, cfg.srcMailbox(), cfg.allMailbox())

	fetcher := fetch.New(remote, local, store, resolver, fetch.Config{
		Host:        cfg.Remote.Host,
		Username:    cfg.Remote.Username,
		SrcMailbox:  cfg.srcMailbox(),
		Tag:         cfg.RemoteSrcTag,
		FallbackBox: cfg.RemoteSrcBox,
		IsGmail:     cfg.IsGmail,
		SkipDrafts:  cfg.SkipDrafts,
		Concurrency: cfg.Concurrency,
		BatchSize:   cfg.BatchSize,
	}, logger)

	var reconciler *reconcile.Reconciler
	if cfg.IsGmail {
		reconciler = reconcile.New(remote, local, store, resolver, th, reconcile.Config{
			Host:          cfg.Remote.Host,
			Username:      cfg.Remote.Username,
			SrcMailbox:    cfg.srcMailbox(),
			ParsedMailbox: cfg.allMailbox(),
			LocalMailbox:  cfg.localMailbox(),
		}, logger)
	}

	return &Engine{
		cfg:        cfg,
		remote:     remote,
		local:      local,
		settings:   store,
		resolver:   resolver,
		fetcher:    fetcher,
		threader:   th,
		reconciler: reconciler,
		smtpClient: smtp.NewClient(cfg.SMTP),
		logger:     logger,
	}
}

// lockName scopes the per-account lock to this account's remote identity,
// per §5's "UserScopeLock('remote-fetch')".
func (e *Engine) lockName() string {
	return "remote-fetch:" + e.cfg.Remote.Username + "@" + e.cfg.Remote.Host
}

// SyncOnce runs one fetch+parse+reconcile cycle. It returns lock.ErrHeld
// (unwrapped via errors.Is) when another process already holds this
// account's lock — the caller should treat that as "skip this cycle, try
// again next schedule" rather than as a fatal error, per §5.
func (e *Engine) SyncOnce(ctx context.Context) (Result, error) {
	l, err := lock.TryAcquire(e.cfg.LockDir, e.lockName())
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if releaseErr := l.Release(); releaseErr != nil {
			e.logger.Warn("failed to release sync lock", "error", releaseErr)
		}
	}()

	fetched, err := e.fetcher.Fetch(ctx)
	if err != nil {
		return Result{}, eris.Wrap(err, "fetch")
	}

	parsed, err := e.threader.Parse(ctx)
	if err != nil {
		return Result{Fetched: fetched}, eris.Wrap(err, "parse")
	}

	if e.cfg.IsGmail {
		if err := e.reconciler.Run(ctx); err != nil {
			return Result{Fetched: fetched, Parsed: parsed}, eris.Wrap(err, "reconcile flags")
		}
	} else if err := e.threader.MirrorFlags(ctx); err != nil {
		return Result{Fetched: fetched, Parsed: parsed}, eris.Wrap(err, "mirror flags")
	}

	return Result{Fetched: fetched, Parsed: parsed}, nil
}

// Send composes and submits msg, then synchronously re-syncs so the sent
// message appears in ALL without waiting for the next scheduled cycle
// (§4.6: "On success, synchronously call Fetch() then the Threader's
// Parse()").
func (e *Engine) Send(ctx context.Context, msg *smtp.Message) error {
	if _, err := e.smtpClient.Send(msg); err != nil {
		return eris.Wrap(err, "send message")
	}
	if _, err := e.fetcher.Fetch(ctx); err != nil {
		return eris.Wrap(err, "post-send fetch")
	}
	if _, err := e.threader.Parse(ctx); err != nil {
		return eris.Wrap(err, "post-send parse")
	}
	return nil
}

// Search translates q per §4.4 and runs it against the local ALL mailbox,
// returning the matching UIDs.
func (e *Engine) Search(ctx context.Context, q string) ([]imap.UID, *query.Result, error) {
	result, err := query.Translate(q)
	if err != nil {
		return nil, nil, eris.Wrap(err, "translate query")
	}
	uids, err := e.local.Search(ctx, e.cfg.allMailbox(), result.Criteria)
	if err != nil {
		return nil, nil, eris.Wrap(err, "search")
	}
	return uids, result, nil
}

// MessagesInfo decodes the normalized §3 metadata for each uid in the ALL
// mailbox, for the HTTP boundary's POST /msgs/info and POST /msgs/body
// (the body text lives on the same ParsedMessage, so both handlers call
// this and select the fields they need). A uid whose ALL row cannot be
// decoded yields a placeholder rather than failing the whole batch, mirroring
// the Threader's own parse-failure contract (§4.5, §7 error kind 3).
func (e *Engine) MessagesInfo(ctx context.Context, uids []imap.UID) ([]*threader.ParsedMessage, error) {
	fetched, err := e.local.FetchBatch(ctx, e.cfg.allMailbox(), uids)
	if err != nil {
		return nil, eris.Wrap(err, "fetch messages")
	}
	out := make([]*threader.ParsedMessage, 0, len(fetched))
	for _, fm := range fetched {
		pm, err := threader.DecodeParsedMessage(fm.Raw)
		if err != nil {
			pm = threader.NewPlaceholder(err)
		}
		out = append(out, pm)
	}
	return out, nil
}

// ThreadsInfo returns, for each anchor uid, every ALL-mailbox message
// sharing that message's X-Thread-ID — the POST /thrs/info operation.
func (e *Engine) ThreadsInfo(ctx context.Context, uids []imap.UID) (map[imap.UID][]*threader.ParsedMessage, error) {
	anchors, err := e.MessagesInfo(ctx, uids)
	if err != nil {
		return nil, err
	}

	result := make(map[imap.UID][]*threader.ParsedMessage, len(uids))
	for i, uid := range uids {
		anchor := anchors[i]
		if anchor.ThreadID == "" {
			result[uid] = []*threader.ParsedMessage{anchor}
			continue
		}
		matches, err := e.local.Search(ctx, e.cfg.allMailbox(), &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "X-Thread-ID", Value: anchor.ThreadID}},
		})
		if err != nil {
			return nil, eris.Wrap(err, "search thread")
		}
		msgs, err := e.MessagesInfo(ctx, matches)
		if err != nil {
			return nil, err
		}
		result[uid] = msgs
	}
	return result, nil
}

// Flag applies a flag change ({old, new} diff, per §6's POST /msgs/flag)
// directly to uid in the \Local mailbox — per §5, "flag writes go directly
// to the local IMAP server which serializes them," with no engine-side
// locking or propagation. The next SyncOnce's reconcile phase (Gmail) or
// MirrorFlags pass (generic IMAP) is what carries the change outward to the
// remote server and/or ALL; Flag itself does no cross-mailbox work.
func (e *Engine) Flag(ctx context.Context, uid imap.UID, add, remove []string) error {
	return eris.Wrap(e.local.StoreFlags(ctx, e.cfg.localMailbox(), uid, add, remove), "store flags on \\Local")
}

// ResetCursor clears the saved (UIDVALIDITY, UIDNEXT) for this account's
// source mailbox, forcing the next SyncOnce to refetch the whole mailbox
// from UID 1 (§4.2's cold-start path) — the "syncfull" operation.
func (e *Engine) ResetCursor(ctx context.Context) error {
	return e.settings.SaveMailboxCursor(ctx, e.cfg.Remote.Host, e.cfg.Remote.Username, e.cfg.tagOrBoxName(), settings.MailboxCursor{})
}

// Close releases both IMAP connections.
func (e *Engine) Close() error {
	remoteErr := e.remote.Close()
	localErr := e.local.Close()
	if remoteErr != nil {
		return eris.Wrap(remoteErr, "close remote connection")
	}
	if localErr != nil {
		return eris.Wrap(localErr, "close local connection")
	}
	return nil
}
