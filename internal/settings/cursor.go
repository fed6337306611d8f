package settings

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
)

// MailboxCursor is the saved fetch position for one remote folder (§3
// "Mailbox cursor"). UIDValidity==0 means no cursor has ever been saved.
type MailboxCursor struct {
	UIDValidity uint32 `json:"uid_validity"`
	UIDNext     uint32 `json:"uid_next"`
}

// ModSeqCursor is the saved flag-sync position for one folder (remote or
// the local \Local mirror).
type ModSeqCursor struct {
	HighestModSeq uint64 `json:"highest_mod_seq"`
}

func cursorKey(host, username, tagOrBox string) string {
	return fmt.Sprintf("cursor:%s:%s:%s", host, username, tagOrBox)
}

func modSeqKey(host, username, folder string) string {
	return fmt.Sprintf("modseq:%s:%s:%s", host, username, folder)
}

// LoadMailboxCursor loads the saved (UIDVALIDITY, UIDNEXT) for
// host:username:(tag|box), defaulting to (0, 0) when absent (§4.2 step 2).
func (s *Store) LoadMailboxCursor(ctx context.Context, host, username, tagOrBox string) (MailboxCursor, error) {
	var c MailboxCursor
	found, err := s.Get(ctx, cursorKey(host, username, tagOrBox), &c)
	if err != nil {
		return MailboxCursor{}, err
	}
	if !found {
		return MailboxCursor{}, nil
	}
	return c, nil
}

// SaveMailboxCursor persists the cursor. Per §4.2 step 7 and §5, callers
// must only call this after all corresponding appends have completed.
func (s *Store) SaveMailboxCursor(ctx context.Context, host, username, tagOrBox string, c MailboxCursor) error {
	if err := s.Put(ctx, cursorKey(host, username, tagOrBox), c); err != nil {
		return eris.Wrapf(err, "save mailbox cursor %s/%s/%s", host, username, tagOrBox)
	}
	return nil
}

// LoadModSeqCursor loads the saved HIGHESTMODSEQ for a folder. found is
// false when no cursor has been saved yet, meaning the reconciler must skip
// that folder's remote→local direction for this cycle (§4.3 seed rule).
func (s *Store) LoadModSeqCursor(ctx context.Context, host, username, folder string) (cursor ModSeqCursor, found bool, err error) {
	found, err = s.Get(ctx, modSeqKey(host, username, folder), &cursor)
	return cursor, found, err
}

// SaveModSeqCursor persists the cursor. Per §4.3/§5, callers must only call
// this after both the push and pull phases complete for all folders.
func (s *Store) SaveModSeqCursor(ctx context.Context, host, username, folder string, c ModSeqCursor) error {
	if err := s.Put(ctx, modSeqKey(host, username, folder), c); err != nil {
		return eris.Wrapf(err, "save modseq cursor %s/%s/%s", host, username, folder)
	}
	return nil
}
