// Package fetch implements the incremental pull of new remote UIDs into the
// local SRC mirror: cursor-based resume, per-provider dedup, and
// bounded-concurrency batched fetch. Grounded on msgvault's
// internal/gmail/client.go GetMessagesRawBatch for the errgroup+semaphore
// shape, and on SPEC_FULL.md §4.2 for the generic/Gmail dedup and provenance
// contract.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	imap "github.com/emersion/go-imap/v2"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/mailstation/mailstation/internal/imapconn"
	"github.com/mailstation/mailstation/internal/labels"
	"github.com/mailstation/mailstation/internal/settings"
)

// Provenance header names prepended to every SRC row (§4.1).
const (
	headerSHA256      = "X-SHA256"
	headerRemoteHost  = "X-Remote-Host"
	headerRemoteLogin = "X-Remote-Login"
	headerGMUID       = "X-GM-UID"
	headerGMMsgID     = "X-GM-MSGID"
	headerGMThrID     = "X-GM-THRID"
	headerGMLogin     = "X-GM-Login"
	headerThreadID    = "X-Thread-ID"
)

// BatchSize is the default number of UIDs handed to a single sub-batch
// goroutine, used when Config.BatchSize is unset.
const BatchSize = 50

// Config holds the per-account tunables the Fetcher needs. Host/Username
// identify the remote account for the cursor key and provenance headers;
// the rest mirrors SPEC_FULL.md §2.1's account/engine configuration.
type Config struct {
	Host        string
	Username    string
	SrcMailbox  string
	Tag         imapconn.SpecialUseTag
	FallbackBox string
	IsGmail     bool
	SkipDrafts  bool
	Concurrency int
	BatchSize   int
}

func (c Config) concurrency() int {
	if c.Concurrency <= 0 {
		return 4
	}
	return c.Concurrency
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return BatchSize
	}
	return c.BatchSize
}

func (c Config) tagOrBox() string {
	if c.Tag != "" {
		return string(c.Tag)
	}
	return c.FallbackBox
}

// Fetcher pulls new messages from a remote Conn into a local Conn's SRC
// mailbox, per SPEC_FULL.md §4.2.
type Fetcher struct {
	remote   imapconn.Conn
	local    imapconn.Conn
	settings *settings.Store
	resolver labels.Resolver
	cfg      Config
	logger   *slog.Logger
}

// New returns a Fetcher. resolver may be nil for non-Gmail accounts.
func New(remote, local imapconn.Conn, store *settings.Store, resolver labels.Resolver, cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{remote: remote, local: local, settings: store, resolver: resolver, cfg: cfg, logger: logger}
}

// Fetch runs one incremental pull cycle and returns the number of messages
// newly appended to SRC.
func (f *Fetcher) Fetch(ctx context.Context) (int, error) {
	mailbox, ok, err := f.remote.SelectTag(ctx, f.cfg.Tag)
	if err != nil {
		return 0, eris.Wrap(err, "select remote mailbox")
	}
	if !ok {
		mailbox = f.cfg.FallbackBox
	}

	cursor, err := f.settings.LoadMailboxCursor(ctx, f.cfg.Host, f.cfg.Username, f.cfg.tagOrBox())
	if err != nil {
		return 0, eris.Wrap(err, "load cursor")
	}

	status, err := f.remote.Status(ctx, mailbox)
	if err != nil {
		return 0, eris.Wrap(err, "status remote mailbox")
	}

	fromUID := imap.UID(cursor.UIDNext)
	if cursor.UIDValidity != status.UIDValidity || fromUID == 0 {
		fromUID = 1
	}

	uids, err := f.remote.SearchUIDRange(ctx, mailbox, fromUID)
	if err != nil {
		return 0, eris.Wrap(err, "search remote uid range")
	}
	filtered := uids[:0]
	for _, uid := range uids {
		if uid >= fromUID {
			filtered = append(filtered, uid)
		}
	}

	appended := 0
	if len(filtered) > 0 {
		appended, err = f.dispatch(ctx, mailbox, filtered)
		if err != nil {
			return appended, eris.Wrap(err, "dispatch fetch batches")
		}
	}

	// Cursor persisted only after appends complete (§4.2 step 7).
	if err := f.settings.SaveMailboxCursor(ctx, f.cfg.Host, f.cfg.Username, f.cfg.tagOrBox(), settings.MailboxCursor{
		UIDValidity: status.UIDValidity,
		UIDNext:     uint32(status.UIDNext),
	}); err != nil {
		return appended, eris.Wrap(err, "save cursor")
	}
	return appended, nil
}

// dispatch splits uids into bounded-concurrency sub-batches (§5's
// "batched asynchronous fetches... via errgroup + a semaphore channel
// bounding concurrency"). A single sub-batch's failure is logged and does
// not fail the others — ordering across sub-batches is undefined, but
// idempotent append (dedup by SHA-256/X-GM-MSGID) makes that safe.
func (f *Fetcher) dispatch(ctx context.Context, mailbox string, uids []imap.UID) (int, error) {
	chunks := chunkUIDs(uids, f.cfg.batchSize())

	counts := make([]int, len(chunks))
	sem := make(chan struct{}, f.cfg.concurrency())
	g, gctx := errgroup.WithContext(ctx)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			var n int
			var err error
			if f.cfg.IsGmail {
				n, err = f.fetchGmail(gctx, mailbox, chunk)
			} else {
				n, err = f.fetchGeneric(gctx, mailbox, chunk)
			}
			if err != nil {
				f.logger.Warn("fetch sub-batch failed", "mailbox", mailbox, "size", len(chunk), "error", err)
				return nil
			}
			counts[i] = n
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// fetchGeneric implements §4.2's fetchGeneric: dedup by SHA-256 of the raw
// body against a full scan of SRC.
func (f *Fetcher) fetchGeneric(ctx context.Context, mailbox string, batch []imap.UID) (int, error) {
	exists, err := f.local.FetchHeadersForDedup(ctx, f.cfg.SrcMailbox, headerSHA256)
	if err != nil {
		return 0, eris.Wrap(err, "scan src for dedup")
	}
	known := make(map[string]bool, len(exists))
	for _, sha := range exists {
		known[sha] = true
	}

	fetched, err := f.remote.FetchBatch(ctx, mailbox, batch)
	if err != nil {
		return 0, eris.Wrap(err, "fetch batch")
	}

	var toAppend []imapconn.AppendMessage
	for _, fm := range fetched {
		sum := sha256.Sum256(fm.Raw)
		sha := hex.EncodeToString(sum[:])
		if known[sha] {
			continue
		}
		known[sha] = true

		headers := map[string]string{
			headerSHA256:      sha,
			headerRemoteHost:  f.cfg.Host,
			headerRemoteLogin: f.cfg.Username,
		}
		raw := prependProvenance(headers, fm.Raw)
		toAppend = append(toAppend, imapconn.AppendMessage{
			Flags:        fm.Flags,
			InternalDate: fm.InternalDate,
			Raw:          raw,
		})
	}
	if len(toAppend) == 0 {
		return 0, nil
	}
	if err := f.local.AppendAll(ctx, f.cfg.SrcMailbox, toAppend); err != nil {
		return 0, eris.Wrap(err, "append src rows")
	}
	return len(toAppend), nil
}

// fetchGmail implements §4.2's fetchGmail: a first X-GM-MSGID-only pass to
// drop already-known messages (Gmail exposes one message under every
// label it carries), then a second full-fetch pass for the rest.
func (f *Fetcher) fetchGmail(ctx context.Context, mailbox string, batch []imap.UID) (int, error) {
	existing, err := f.local.FetchHeadersForDedup(ctx, f.cfg.SrcMailbox, headerGMMsgID)
	if err != nil {
		return 0, eris.Wrap(err, "scan src for gmail dedup")
	}
	known := make(map[string]bool, len(existing))
	for _, msgID := range existing {
		known[msgID] = true
	}

	msgIDs, err := f.remote.FetchGmailMsgIDs(ctx, mailbox, batch)
	if err != nil {
		return 0, eris.Wrap(err, "fetch gmail msgids")
	}

	var unknown []imap.UID
	for _, uid := range batch {
		if msgID, ok := msgIDs[uid]; ok && known[msgID] {
			continue
		}
		unknown = append(unknown, uid)
	}
	if len(unknown) == 0 {
		return 0, nil
	}

	fetched, err := f.remote.FetchBatch(ctx, mailbox, unknown)
	if err != nil {
		return 0, eris.Wrap(err, "fetch gmail batch")
	}

	var toAppend []imapconn.AppendMessage
	for _, fm := range fetched {
		if known[fm.GmailMsgID] {
			continue
		}
		known[fm.GmailMsgID] = true

		tagFlags, threadID := f.translateGmailLabels(fm)
		if f.cfg.SkipDrafts && containsFlag(tagFlags, `\Draft`) {
			continue
		}

		headers := map[string]string{
			headerGMUID:       fmt.Sprint(fm.UID),
			headerGMMsgID:     fm.GmailMsgID,
			headerGMThrID:     fm.GmailThrID,
			headerGMLogin:     f.cfg.Username,
			headerRemoteHost:  f.cfg.Host,
			headerRemoteLogin: f.cfg.Username,
		}
		if threadID != "" {
			headers[headerThreadID] = threadID
		}
		raw := prependProvenance(headers, fm.Raw)
		toAppend = append(toAppend, imapconn.AppendMessage{
			Flags:        tagFlags,
			InternalDate: fm.InternalDate,
			Raw:          raw,
		})
	}
	if len(toAppend) == 0 {
		return 0, nil
	}
	if err := f.local.AppendAll(ctx, f.cfg.SrcMailbox, toAppend); err != nil {
		return 0, eris.Wrap(err, "append src rows")
	}
	return len(toAppend), nil
}

// translateGmailLabels maps a fetched message's Gmail flags/labels onto
// local tag keywords (§4.3), preserving any mlr/thrid/N keyword.
func (f *Fetcher) translateGmailLabels(fm imapconn.FetchedMessage) (tagFlags []string, threadID string) {
	seen := make(map[string]bool)
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			tagFlags = append(tagFlags, v)
		}
	}

	for _, flag := range fm.Flags {
		if strings.HasPrefix(flag, "mlr/thrid/") {
			threadID = flag
		}
		add(flag)
	}
	for _, label := range fm.GmailLabels {
		decoded, err := labels.DecodeMailboxUTF7(label)
		if err != nil {
			f.logger.Warn("label utf-7 decode failed", "label", label, "error", err)
			decoded = label
		}
		local, err := labels.ToLocal(decoded, f.resolver)
		if err != nil {
			f.logger.Warn("label translation failed", "label", decoded, "error", err)
			continue
		}
		if local == (labels.Flag{}) {
			continue // dropped, e.g. \Important
		}
		add(local.String())
	}
	return tagFlags, threadID
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// prependProvenance renders the provenance header block (§4.1) ahead of
// raw, in a fixed, deterministic key order so tests and dedup scans are
// stable.
func prependProvenance(headers map[string]string, raw []byte) []byte {
	order := []string{headerSHA256, headerRemoteHost, headerRemoteLogin, headerGMUID, headerGMMsgID, headerGMThrID, headerGMLogin, headerThreadID}
	var b strings.Builder
	for _, key := range order {
		if v, ok := headers[key]; ok && v != "" {
			fmt.Fprintf(&b, "%s: <%s>\r\n", key, v)
		}
	}
	b.WriteString("\r\n")
	return append([]byte(b.String()), raw...)
}

func chunkUIDs(uids []imap.UID, size int) [][]imap.UID {
	var chunks [][]imap.UID
	for i := 0; i < len(uids); i += size {
		end := i + size
		if end > len(uids) {
			end = len(uids)
		}
		chunks = append(chunks, uids[i:end])
	}
	return chunks
}
