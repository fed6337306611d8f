// Package imapconn provides the IMAP connection layer shared by the remote
// and local sides of the sync engine. Both sides are clients of an IMAP4rev1
// server; they differ only in capability set and in how credentials are
// supplied, so both are built by one constructor (NewClient) from a
// per-side ClientConfig, producing the same Conn interface.
package imapconn

import (
	"context"
	"time"

	imap "github.com/emersion/go-imap/v2"
)

// Capability enumerates the protocol features a Conn may or may not support.
// The engine is written against this set rather than against a concrete
// client type, per the specification's "polymorphic over capability set"
// requirement.
type Capability int

const (
	CapLogin Capability = iota
	CapSelect
	CapSearch
	CapFetch
	CapStore
	CapAppend
	CapMultiappend
	CapLogout
	CapUIDNext
	CapUIDValidity
	CapHighestModSeq
	CapGmailExt
)

// MailboxStatus is the subset of STATUS response data the engine consumes.
type MailboxStatus struct {
	UIDValidity    uint32
	UIDNext        imap.UID
	NumMessages    uint32
	NumUnseen      uint32
	HighestModSeq  uint64
	HasHighestModSeq bool
}

// FetchedMessage is one UID FETCH response, normalized across the standard
// and Gmail-extension fetch paths (§4.1, §4.2).
type FetchedMessage struct {
	UID          imap.UID
	InternalDate time.Time
	Flags        []string
	ModSeq       uint64
	Raw          []byte // present when BODY.PEEK[] was requested

	// Gmail-only (zero values on generic IMAP)
	GmailMsgID string
	GmailThrID string
	GmailLabels []string
}

// AppendMessage is one message queued for delivery into a mailbox.
type AppendMessage struct {
	Flags        []string
	InternalDate time.Time
	Raw          []byte
}

// SpecialUseTag names the mailboxes the engine addresses by role rather than
// by literal name (§4.1's select_tag).
type SpecialUseTag string

const (
	TagAll     SpecialUseTag = "\\All"
	TagSent    SpecialUseTag = "\\Sent"
	TagJunk    SpecialUseTag = "\\Junk"
	TagTrash   SpecialUseTag = "\\Trash"
	TagInbox   SpecialUseTag = "\\Inbox"
	TagDrafts  SpecialUseTag = "\\Drafts"
)

// Conn is the capability-polymorphic IMAP session the Fetcher, Flag
// Reconciler, and Threader are written against. Concrete implementations are
// *Client (generic/Gmail-over-IMAP, go-imap/v2 based) wrapping a gmailext
// escape hatch for X-GM-* attributes.
type Conn interface {
	// Has reports whether the connection's negotiated capability set
	// includes cap. Callers must check before relying on CONDSTORE,
	// MULTIAPPEND-equivalence, or Gmail extension behavior.
	Has(cap Capability) bool

	// SelectTag resolves a special-use mailbox by role. ok is false when the
	// server advertises no matching SPECIAL-USE attribute and the caller
	// should fall back to a hardcoded name (typically INBOX).
	SelectTag(ctx context.Context, tag SpecialUseTag) (mailbox string, ok bool, err error)

	// Status returns STATUS data for mailbox without changing the selected
	// mailbox.
	Status(ctx context.Context, mailbox string) (*MailboxStatus, error)

	// SearchUIDRange returns all UIDs in mailbox with UID >= fromUID. Per
	// §4.2 step 5, "UID x:*" always returns at least one hit (the highest)
	// even when none qualify, so callers must re-filter the result.
	SearchUIDRange(ctx context.Context, mailbox string, fromUID imap.UID) ([]imap.UID, error)

	// FetchHeadersForDedup scans every message in mailbox and returns the
	// value of headerName (case-insensitively) for messages that carry it,
	// keyed by UID. Used to build the dedup index (§4.2, and the §9 open
	// question on its O(N) cost, which this implementation accepts as
	// specified).
	FetchHeadersForDedup(ctx context.Context, mailbox string, headerName string) (map[imap.UID]string, error)

	// FetchBatch retrieves full message bodies (and, for Gmail connections,
	// the X-GM-* attributes) for the given UIDs in mailbox.
	FetchBatch(ctx context.Context, mailbox string, uids []imap.UID) ([]FetchedMessage, error)

	// FetchGmailMsgIDs retrieves only X-GM-MSGID for the given UIDs — the
	// Fetcher's first Gmail pass (§4.2).
	FetchGmailMsgIDs(ctx context.Context, mailbox string, uids []imap.UID) (map[imap.UID]string, error)

	// FetchChangedSince returns UID/flags (and, for Gmail, X-GM-MSGID and
	// X-GM-LABELS) for every message in mailbox with MODSEQ > sinceModSeq,
	// along with the mailbox's current HIGHESTMODSEQ. Requires CONDSTORE.
	FetchChangedSince(ctx context.Context, mailbox string, sinceModSeq uint64) (msgs []FetchedMessage, highestModSeq uint64, err error)

	// AppendAll appends each message in msgs to mailbox, in order. Approximates
	// MULTIAPPEND (§4.1 implementation note) via sequential Append calls over
	// one connection.
	AppendAll(ctx context.Context, mailbox string, msgs []AppendMessage) error

	// StoreFlags adds or removes IMAP system/keyword flags on uid in mailbox.
	StoreFlags(ctx context.Context, mailbox string, uid imap.UID, add, remove []string) error

	// StoreGmailLabels adds or removes X-GM-LABELS on uid in mailbox.
	StoreGmailLabels(ctx context.Context, mailbox string, uid imap.UID, add, remove []string) error

	// Move relocates uid from mailbox to destMailbox (used by the reconciler
	// to add \Inbox before un-labeling a message out of \Trash/\Junk, §4.3).
	Move(ctx context.Context, mailbox string, uid imap.UID, destMailbox string) error

	// Search runs criteria against mailbox and returns matching UIDs. Used by
	// the engine to run translated queries (§4.4) and by settings.Store's
	// key lookups.
	Search(ctx context.Context, mailbox string, criteria *imap.SearchCriteria) ([]imap.UID, error)

	// ListFolders returns the mailboxes to iterate for Gmail flag
	// reconciliation (§4.3 step 2): every mailbox returned by LIST "*",
	// minus \Noselect mailboxes and duplicates.
	ListFolders(ctx context.Context) ([]string, error)

	// Close logs out and releases the underlying connection.
	Close() error
}
