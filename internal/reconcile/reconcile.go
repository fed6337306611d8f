// Package reconcile implements the Flag Reconciler (§4.3): bidirectional
// flag/label synchronization between a remote Gmail-aware mailbox tree and
// the local SRC mirror, driven by CONDSTORE/HIGHESTMODSEQ rather than a full
// rescan, with local changes winning conflicts.
package reconcile

import (
	"context"
	"log/slog"

	imap "github.com/emersion/go-imap/v2"
	"github.com/rotisserie/eris"

	"github.com/mailstation/mailstation/internal/imapconn"
	"github.com/mailstation/mailstation/internal/labels"
	"github.com/mailstation/mailstation/internal/settings"
)

// controlledTags are the local flags the pull direction is allowed to touch
// on a remote-only message (§4.3 step 6): everything else about a
// remote-only message is left alone until it has a local counterpart.
var controlledTags = []string{"#trash", "#spam", "#inbox", "\\Flagged", "\\Seen"}

// Pairer exposes the SRC↔ALL UID pairing the pull direction needs to apply
// controlled flags to the parsed-side row. *threader.Threader satisfies this
// implicitly.
type Pairer interface {
	PairOriginUIDs(ctx context.Context, srcUIDs []imap.UID) (map[imap.UID]imap.UID, error)
}

// Config holds the per-account tunables the Reconciler needs.
type Config struct {
	Host, Username string
	SrcMailbox     string // local SRC mailbox, indexed by X-GM-MSGID
	ParsedMailbox  string // local ALL mailbox, the pull target (§4.3 step 6)
	LocalMailbox   string // local \Local mailbox, the user-editable mirror
}

// Reconciler implements SPEC_FULL.md §4.3 against a remote Conn and a local
// Conn, both addressed through the same capability-polymorphic interface.
type Reconciler struct {
	remote   imapconn.Conn
	local    imapconn.Conn
	settings *settings.Store
	resolver labels.Resolver
	pairer   Pairer
	cfg      Config
	logger   *slog.Logger
}

// New returns a Reconciler. pairer may be nil, in which case the pull
// direction is skipped (no ALL row to apply controlled flags to yet).
func New(remote, local imapconn.Conn, store *settings.Store, resolver labels.Resolver, pairer Pairer, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{remote: remote, local: local, settings: store, resolver: resolver, pairer: pairer, cfg: cfg, logger: logger}
}

// Run executes one reconciliation cycle end to end (§4.3 steps 1-7).
func (r *Reconciler) Run(ctx context.Context) error {
	msgIDByUID, uidsByMsgID, err := r.indexLocalSrc(ctx)
	if err != nil {
		return eris.Wrap(err, "index local src")
	}

	flagsByUIDRemote, pendingFolderModSeq, err := r.readRemoteChanges(ctx, uidsByMsgID)
	if err != nil {
		return eris.Wrap(err, "read remote changes")
	}

	flagsByUIDLocal, pendingLocalModSeq, err := r.readLocalChanges(ctx)
	if err != nil {
		return eris.Wrap(err, "read local changes")
	}

	both, localOnly, remoteOnly := partitionUIDs(flagsByUIDLocal, flagsByUIDRemote)

	pushSet := append(append([]imap.UID{}, both...), localOnly...)
	for _, uid := range pushSet {
		if err := r.push(ctx, uid, flagsByUIDLocal[uid], msgIDByUID); err != nil {
			r.logger.Warn("push flags failed", "uid", uid, "error", err)
		}
	}

	for _, uid := range remoteOnly {
		if err := r.pull(ctx, uid, flagsByUIDRemote[uid]); err != nil {
			r.logger.Warn("pull flags failed", "uid", uid, "error", err)
		}
	}

	for folder, modSeq := range pendingFolderModSeq {
		if err := r.settings.SaveModSeqCursor(ctx, r.cfg.Host, r.cfg.Username, folder, settings.ModSeqCursor{HighestModSeq: modSeq}); err != nil {
			return eris.Wrapf(err, "save modseq cursor for %s", folder)
		}
	}
	if err := r.settings.SaveModSeqCursor(ctx, r.cfg.Host, r.cfg.Username, r.cfg.LocalMailbox, settings.ModSeqCursor{HighestModSeq: pendingLocalModSeq}); err != nil {
		return eris.Wrap(err, "save local modseq cursor")
	}
	return nil
}

// indexLocalSrc implements §4.3 step 1: index local SRC by X-GM-MSGID in
// both directions.
func (r *Reconciler) indexLocalSrc(ctx context.Context) (msgIDByUID map[imap.UID]string, uidsByMsgID map[string]imap.UID, err error) {
	headers, err := r.local.FetchHeadersForDedup(ctx, r.cfg.SrcMailbox, "X-GM-MSGID")
	if err != nil {
		return nil, nil, err
	}
	msgIDByUID = make(map[imap.UID]string, len(headers))
	uidsByMsgID = make(map[string]imap.UID, len(headers))
	for uid, msgID := range headers {
		if msgID == "" {
			continue
		}
		msgIDByUID[uid] = msgID
		uidsByMsgID[msgID] = uid
	}
	return msgIDByUID, uidsByMsgID, nil
}

// readRemoteChanges implements §4.3 step 2: per remote folder, read
// HIGHESTMODSEQ; skip that folder's remote→local direction entirely if
// there is no saved cursor yet (seed rule), otherwise CHANGEDSINCE-fetch and
// translate each remote row to its local uid via uidsByMsgID.
func (r *Reconciler) readRemoteChanges(ctx context.Context, uidsByMsgID map[string]imap.UID) (map[imap.UID][]string, map[string]uint64, error) {
	folders, err := r.remote.ListFolders(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "list remote folders")
	}

	flagsByUID := make(map[imap.UID][]string)
	pendingModSeq := make(map[string]uint64, len(folders))

	for _, folder := range folders {
		status, err := r.remote.Status(ctx, folder)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "status %s", folder)
		}

		cursor, found, err := r.settings.LoadModSeqCursor(ctx, r.cfg.Host, r.cfg.Username, folder)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "load modseq cursor %s", folder)
		}
		if !found {
			pendingModSeq[folder] = status.HighestModSeq
			continue
		}

		changed, highest, err := r.remote.FetchChangedSince(ctx, folder, cursor.HighestModSeq)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "fetch changed since %s", folder)
		}
		for _, fm := range changed {
			localUID, ok := uidsByMsgID[fm.GmailMsgID]
			if !ok {
				continue // not yet fetched locally; nothing to reconcile
			}
			flagsByUID[localUID] = r.translateRemoteFlags(fm)
		}
		pendingModSeq[folder] = highest
	}
	return flagsByUID, pendingModSeq, nil
}

// readLocalChanges implements §4.3 step 3: CHANGEDSINCE-fetch the local
// \Local mailbox, or seed its cursor on the first cycle.
func (r *Reconciler) readLocalChanges(ctx context.Context) (map[imap.UID][]string, uint64, error) {
	status, err := r.local.Status(ctx, r.cfg.LocalMailbox)
	if err != nil {
		return nil, 0, eris.Wrap(err, "status local mailbox")
	}

	cursor, found, err := r.settings.LoadModSeqCursor(ctx, r.cfg.Host, r.cfg.Username, r.cfg.LocalMailbox)
	if err != nil {
		return nil, 0, eris.Wrap(err, "load local modseq cursor")
	}
	if !found {
		return map[imap.UID][]string{}, status.HighestModSeq, nil
	}

	changed, highest, err := r.local.FetchChangedSince(ctx, r.cfg.LocalMailbox, cursor.HighestModSeq)
	if err != nil {
		return nil, 0, eris.Wrap(err, "fetch changed since local")
	}
	flagsByUID := make(map[imap.UID][]string, len(changed))
	for _, fm := range changed {
		flagsByUID[fm.UID] = fm.Flags
	}
	return flagsByUID, highest, nil
}

// translateRemoteFlags converts one remote FETCH row's system flags and
// Gmail labels into the local tag representation.
func (r *Reconciler) translateRemoteFlags(fm imapconn.FetchedMessage) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(flag labels.Flag) {
		s := flag.String()
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, f := range fm.Flags {
		add(labels.SystemFlag(f))
	}
	for _, label := range fm.GmailLabels {
		decoded, err := labels.DecodeMailboxUTF7(label)
		if err != nil {
			r.logger.Warn("label utf-7 decode failed", "label", label, "error", err)
			decoded = label
		}
		flag, err := labels.ToLocal(decoded, r.resolver)
		if err != nil {
			r.logger.Warn("label translation failed", "label", decoded, "error", err)
			continue
		}
		add(flag)
	}
	return out
}

// partitionUIDs implements §4.3 step 4: both = overlap, localOnly/remoteOnly
// = the rest.
func partitionUIDs(local, remote map[imap.UID][]string) (both, localOnly, remoteOnly []imap.UID) {
	for uid := range local {
		if _, ok := remote[uid]; ok {
			both = append(both, uid)
		} else {
			localOnly = append(localOnly, uid)
		}
	}
	for uid := range remote {
		if _, ok := local[uid]; !ok {
			remoteOnly = append(remoteOnly, uid)
		}
	}
	return both, localOnly, remoteOnly
}

// push implements §4.3 step 5: apply srcUID's local flag set to the
// message's remote copy, relocating out of \Trash/\Junk first if a label
// removal would otherwise strand it there.
func (r *Reconciler) push(ctx context.Context, srcUID imap.UID, localFlags []string, msgIDByUID map[imap.UID]string) error {
	msgID, ok := msgIDByUID[srcUID]
	if !ok {
		return nil // never fetched from a Gmail-aware account; nothing to push
	}

	allBox, ok, err := r.remote.SelectTag(ctx, imapconn.TagAll)
	if err != nil {
		return eris.Wrap(err, "select remote all")
	}
	if !ok {
		return nil // no \All special-use mailbox to push against
	}

	allUID, found, err := r.locateInFolder(ctx, allBox, msgID)
	if err != nil {
		return eris.Wrap(err, "locate in all")
	}
	if !found {
		return nil
	}

	current, err := r.currentRemoteLabels(ctx, allBox, allUID)
	if err != nil {
		return eris.Wrap(err, "read current remote labels")
	}
	wanted := r.translateToRemote(localFlags)
	add, remove := diffStrings(current, wanted)

	if removesFolder(remove, "\\Trash") || removesFolder(remove, "\\Junk") {
		if err := r.relocateOutOfTrashOrJunk(ctx, msgID); err != nil {
			return eris.Wrap(err, "relocate out of trash/junk")
		}
		// The message's uid under \All is unaffected by Move (labels are
		// global), but re-resolve in case the server renumbered on append.
		allUID, found, err = r.locateInFolder(ctx, allBox, msgID)
		if err != nil {
			return eris.Wrap(err, "re-locate in all after relocate")
		}
		if !found {
			return nil
		}
	}

	var labelAdd, labelRemove, flagAdd, flagRemove []string
	for _, v := range add {
		if labels.IsSystemFlag(v) {
			flagAdd = append(flagAdd, v)
		} else {
			labelAdd = append(labelAdd, v)
		}
	}
	for _, v := range remove {
		if labels.IsSystemFlag(v) {
			flagRemove = append(flagRemove, v)
		} else {
			labelRemove = append(labelRemove, v)
		}
	}

	if len(labelAdd) > 0 || len(labelRemove) > 0 {
		if err := r.remote.StoreGmailLabels(ctx, allBox, allUID, labelAdd, labelRemove); err != nil {
			return eris.Wrap(err, "store gmail labels")
		}
	}
	if len(flagAdd) > 0 || len(flagRemove) > 0 {
		if err := r.remote.StoreFlags(ctx, allBox, allUID, flagAdd, flagRemove); err != nil {
			return eris.Wrap(err, "store flags")
		}
	}
	return nil
}

// relocateOutOfTrashOrJunk adds \Inbox ahead of a label removal that would
// otherwise leave a message stranded in \Trash/\Junk with no folder at all
// (Gmail requires at least one label on a message).
func (r *Reconciler) relocateOutOfTrashOrJunk(ctx context.Context, msgID string) error {
	inboxBox, ok, err := r.remote.SelectTag(ctx, imapconn.TagInbox)
	if err != nil || !ok {
		return err
	}
	for _, tag := range []imapconn.SpecialUseTag{imapconn.TagTrash, imapconn.TagJunk} {
		box, ok, err := r.remote.SelectTag(ctx, tag)
		if err != nil || !ok {
			continue
		}
		uid, found, err := r.locateInFolder(ctx, box, msgID)
		if err != nil {
			return err
		}
		if found {
			if err := r.remote.Move(ctx, box, uid, inboxBox); err != nil {
				return err
			}
		}
	}
	return nil
}

// pull implements §4.3 step 6: for a remote-only uid, apply only the
// controlled flag subset onto the parsed-side (ALL) row.
func (r *Reconciler) pull(ctx context.Context, srcUID imap.UID, remoteFlags []string) error {
	if r.pairer == nil {
		return nil
	}
	remoteSet := make(map[string]bool, len(remoteFlags))
	for _, f := range remoteFlags {
		remoteSet[f] = true
	}

	var add, remove []string
	for _, tag := range controlledTags {
		if remoteSet[tag] {
			add = append(add, tag)
		} else {
			remove = append(remove, tag)
		}
	}

	pairs, err := r.pairer.PairOriginUIDs(ctx, []imap.UID{srcUID})
	if err != nil {
		return eris.Wrap(err, "pair origin uids")
	}
	allUID, ok := pairs[srcUID]
	if !ok {
		return nil // not parsed into all yet
	}
	return r.local.StoreFlags(ctx, r.cfg.ParsedMailbox, allUID, add, remove)
}

// locateInFolder finds the uid of the message with the given X-GM-MSGID in
// mailbox, by full scan (§4.3 step 5's "search each folder for that MSGID",
// implemented the same O(N)-scan way the Fetcher's dedup index is, per §9).
func (r *Reconciler) locateInFolder(ctx context.Context, mailbox, msgID string) (imap.UID, bool, error) {
	uids, err := r.remote.SearchUIDRange(ctx, mailbox, 1)
	if err != nil {
		return 0, false, err
	}
	if len(uids) == 0 {
		return 0, false, nil
	}
	ids, err := r.remote.FetchGmailMsgIDs(ctx, mailbox, uids)
	if err != nil {
		return 0, false, err
	}
	for uid, id := range ids {
		if id == msgID {
			return uid, true, nil
		}
	}
	return 0, false, nil
}

// currentRemoteLabels reads a message's current system flags and Gmail
// labels as raw remote-form strings, comparable directly against the output
// of translateToRemote.
func (r *Reconciler) currentRemoteLabels(ctx context.Context, mailbox string, uid imap.UID) ([]string, error) {
	fetched, err := r.remote.FetchBatch(ctx, mailbox, []imap.UID{uid})
	if err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		return nil, nil
	}
	out := append([]string{}, fetched[0].Flags...)
	out = append(out, fetched[0].GmailLabels...)
	return out, nil
}

// translateToRemote converts local tag/flag strings to their remote-form
// Gmail label/flag strings, dropping any with no remote representation
// (e.g. the internal mlr/thrid/N thread keyword).
func (r *Reconciler) translateToRemote(localFlags []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range localFlags {
		var flag labels.Flag
		switch {
		case labels.IsSystemFlag(f):
			flag = labels.SystemFlag(f)
		case len(f) > 0 && f[0] == '#':
			flag = labels.TagFlag(f)
		default:
			continue // e.g. mlr/thrid/N, not remote-representable
		}
		remote := labels.ToRemote(flag, r.resolver)
		if remote != "" && !seen[remote] {
			seen[remote] = true
			out = append(out, remote)
		}
	}
	return out
}

func removesFolder(remove []string, gmailLabel string) bool {
	for _, v := range remove {
		if v == gmailLabel {
			return true
		}
	}
	return false
}

// diffStrings returns the entries present in want but absent from have
// (add), and those present in have but absent from want (remove).
func diffStrings(have, want []string) (add, remove []string) {
	haveSet := make(map[string]bool, len(have))
	for _, v := range have {
		haveSet[v] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, v := range want {
		wantSet[v] = true
		if !haveSet[v] {
			add = append(add, v)
		}
	}
	for _, v := range have {
		if !wantSet[v] {
			remove = append(remove, v)
		}
	}
	return add, remove
}
