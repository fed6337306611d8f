// Package query implements the search-DSL-to-IMAP-SEARCH translator (§4.4):
// a single user string is parsed into both a canonical IMAP SEARCH string and
// an equivalent *imap.SearchCriteria tree, so callers can use whichever the
// connection in hand prefers (Conn.Search always takes the criteria tree;
// the canonical string exists for logging/debugging and for any caller that
// wants to hand the expression to a raw IMAP client directly).
package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	imap "github.com/emersion/go-imap/v2"
)

// Options records the parse-time flags the engine's higher layers need
// beyond the raw search criteria (e.g. whether to expand results to whole
// threads).
type Options struct {
	Thread  bool     // a single thread was requested (thr:/thread:/draft:)
	Threads bool      // :threads — list view grouped by thread
	Tags    []string // every tag: in: has: id seen, in encounter order
	Draft   string   // draft:<id>, if present
}

// Result is the translator's output: a canonical string form and an
// equivalent criteria tree, plus the parsed options.
type Result struct {
	Canonical string
	Criteria  *imap.SearchCriteria
	Options   Options
}

var draftIDPattern = regexp.MustCompile(`^[0-9A-Za-z]{8}$`)

// dateLayouts in decreasing granularity, matched in order.
var dateLayouts = []string{"2006-01-02", "2006-01", "2006"}

// accumulator builds up a Result incrementally as tokens are consumed.
type accumulator struct {
	canonical []string
	criteria  imap.SearchCriteria
	opts      Options
}

// Translate parses input per §4.4's token grammar and returns the resulting
// search expression. An empty (or all-whitespace) input is the special case
// "match everything" and skips the implicit trash/spam/link filters.
func Translate(input string) (*Result, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return &Result{Canonical: "all", Criteria: &imap.SearchCriteria{}}, nil
	}

	tokens := tokenize(input)

	if len(tokens) > 0 && strings.EqualFold(tokens[0], ":raw") {
		expr := strings.Join(tokens[1:], " ")
		return &Result{
			Canonical: expr,
			// Best-effort equivalent: :raw exists precisely to bypass the
			// structured grammar, so the criteria tree can only approximate
			// it as a free-text search rather than a parsed clause.
			Criteria: &imap.SearchCriteria{Text: []string{expr}},
		}, nil
	}

	acc := &accumulator{}
	var freeText []string

	for _, tok := range tokens {
		consumed, err := acc.consume(tok)
		if err != nil {
			return nil, err
		}
		if !consumed {
			freeText = append(freeText, tok)
		}
	}

	if len(freeText) > 0 {
		text := strings.Join(freeText, " ")
		acc.criteria.Text = append(acc.criteria.Text, text)
		acc.addCanonical("text %s", jsonString(text))
	}

	acc.applyImplicitFilters()

	canonical := "all"
	if len(acc.canonical) > 0 {
		canonical = strings.Join(acc.canonical, " ")
	}

	return &Result{Canonical: canonical, Criteria: &acc.criteria, Options: acc.opts}, nil
}

func (a *accumulator) addCanonical(format string, args ...any) {
	a.canonical = append(a.canonical, fmt.Sprintf(format, args...))
}

// consume tries every recognized prefix/exact token against tok. It reports
// whether tok was recognized (and thus should not fall through to free text).
func (a *accumulator) consume(tok string) (bool, error) {
	lower := strings.ToLower(tok)

	switch lower {
	case ":threads":
		a.opts.Threads = true
		return true, nil
	case ":draft":
		a.addFlag(imap.FlagDraft, "draft")
		return true, nil
	case ":unread", ":unseen":
		a.addNotFlag(imap.FlagSeen, "unseen")
		return true, nil
	case ":read", ":seen":
		a.addFlag(imap.FlagSeen, "seen")
		return true, nil
	case ":pin", ":pinned", ":flagged":
		a.addFlag(imap.FlagFlagged, "flagged")
		return true, nil
	case ":unpin", ":unpinned", ":unflagged":
		a.addNotFlag(imap.FlagFlagged, "unflagged")
		return true, nil
	}

	if value, ok := cutPrefix(tok, lower, "thr:"); ok {
		return a.consumeUID(value, true)
	}
	if value, ok := cutPrefix(tok, lower, "thread:"); ok {
		return a.consumeUID(value, true)
	}
	if value, ok := cutPrefix(tok, lower, "uid:"); ok {
		return a.consumeUID(value, false)
	}
	if value, ok := cutPrefix(tok, lower, "tag:"); ok {
		return a.consumeTag(value)
	}
	if value, ok := cutPrefix(tok, lower, "in:"); ok {
		return a.consumeTag(value)
	}
	if value, ok := cutPrefix(tok, lower, "has:"); ok {
		return a.consumeTag(value)
	}
	if value, ok := cutPrefix(tok, lower, "subj:"); ok {
		return a.consumeHeader("Subject", "subject", value)
	}
	if value, ok := cutPrefix(tok, lower, "subject:"); ok {
		return a.consumeHeader("Subject", "subject", value)
	}
	if value, ok := cutPrefix(tok, lower, "from:"); ok {
		return a.consumeHeader("From", "from", value)
	}
	if value, ok := cutPrefix(tok, lower, "mid:"); ok {
		return a.consumeHeaderRaw("Message-Id", "message-id", value)
	}
	if value, ok := cutPrefix(tok, lower, "message_id:"); ok {
		return a.consumeHeaderRaw("Message-Id", "message-id", value)
	}
	if value, ok := cutPrefix(tok, lower, "ref:"); ok {
		return a.consumeRef(value)
	}
	if value, ok := cutPrefix(tok, lower, "draft:"); ok {
		return a.consumeDraft(value)
	}
	if value, ok := cutPrefix(tok, lower, "date:"); ok {
		return a.consumeDate(value)
	}

	return false, nil
}

// cutPrefix checks prefix against lowerTok (case-insensitive match) and, if
// present, returns the corresponding slice of the ORIGINAL token (preserving
// the caller's casing in the value).
func cutPrefix(tok, lowerTok, prefix string) (string, bool) {
	if !strings.HasPrefix(lowerTok, prefix) {
		return "", false
	}
	return tok[len(prefix):], true
}

func (a *accumulator) addFlag(flag imap.Flag, canonical string) {
	a.criteria.Flag = append(a.criteria.Flag, flag)
	a.addCanonical(canonical)
}

func (a *accumulator) addNotFlag(flag imap.Flag, canonical string) {
	a.criteria.NotFlag = append(a.criteria.NotFlag, flag)
	a.addCanonical(canonical)
}

func (a *accumulator) consumeUID(value string, thread bool) (bool, error) {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return false, fmt.Errorf("query: invalid uid %q: %w", value, err)
	}
	if thread {
		a.opts.Thread = true
	}
	uid := imap.UID(n)
	a.criteria.UID = append(a.criteria.UID, imap.UIDSet{imap.UIDRange{Start: uid, Stop: uid}})
	a.addCanonical("uid %d", n)
	return true, nil
}

func (a *accumulator) consumeTag(id string) (bool, error) {
	a.opts.Tags = append(a.opts.Tags, id)
	a.criteria.Flag = append(a.criteria.Flag, imap.Flag(id))
	a.addCanonical("keyword %s", id)
	return true, nil
}

func (a *accumulator) consumeHeader(key, canonicalKey, value string) (bool, error) {
	a.criteria.Header = append(a.criteria.Header, imap.SearchCriteriaHeaderField{Key: key, Value: value})
	a.addCanonical("header %s %s", canonicalKey, jsonString(value))
	return true, nil
}

func (a *accumulator) consumeHeaderRaw(key, canonicalKey, value string) (bool, error) {
	a.criteria.Header = append(a.criteria.Header, imap.SearchCriteriaHeaderField{Key: key, Value: value})
	a.addCanonical("header %s %s", canonicalKey, value)
	return true, nil
}

func (a *accumulator) consumeRef(value string) (bool, error) {
	a.criteria.Or = append(a.criteria.Or, [2]imap.SearchCriteria{
		{Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: value}}},
		{Header: []imap.SearchCriteriaHeaderField{{Key: "References", Value: value}}},
	})
	a.addCanonical("or header message-id %s header references %s", value, value)
	return true, nil
}

func (a *accumulator) consumeDraft(id string) (bool, error) {
	if !draftIDPattern.MatchString(id) {
		return false, nil // doesn't match \<8 chars\>; fall through to free text
	}
	a.opts.Draft = id
	a.opts.Thread = true
	a.criteria.Header = append(a.criteria.Header, imap.SearchCriteriaHeaderField{Key: "X-Draft-Id", Value: id})
	a.addCanonical("header x-draft-id %s", id)
	return true, nil
}

// consumeDate implements §4.4's date:YYYY / YYYY-MM / YYYY-MM-DD widening.
// A full day emits a single "on" clause; coarser granularity widens to a
// since/before pair with an exclusive upper bound.
func (a *accumulator) consumeDate(value string) (bool, error) {
	for i, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		var until time.Time
		switch i {
		case 0: // exact day
			until = t.AddDate(0, 0, 1)
			a.criteria.Since = t
			a.criteria.Before = until
			a.addCanonical("on %s", t.Format("2006-01-02"))
		case 1: // month
			until = t.AddDate(0, 1, 0)
			a.criteria.Since = t
			a.criteria.Before = until
			a.addCanonical("since %s before %s", t.Format("2006-01-02"), until.Format("2006-01-02"))
		case 2: // year
			until = t.AddDate(1, 0, 0)
			a.criteria.Since = t
			a.criteria.Before = until
			a.addCanonical("since %s before %s", t.Format("2006-01-02"), until.Format("2006-01-02"))
		}
		return true, nil
	}
	return false, fmt.Errorf("query: invalid date %q", value)
}

// applyImplicitFilters adds the always-on trash/spam/link suppression,
// skipping any the user explicitly opted into via tag:/in:/has:.
func (a *accumulator) applyImplicitFilters() {
	hasTag := func(id string) bool {
		for _, t := range a.opts.Tags {
			if t == id {
				return true
			}
		}
		return false
	}

	a.criteria.NotFlag = append(a.criteria.NotFlag, imap.Flag("#link"))
	a.addCanonical("unkeyword #link")

	if !hasTag("#trash") {
		a.criteria.NotFlag = append(a.criteria.NotFlag, imap.Flag("#trash"))
		a.addCanonical("unkeyword #trash")
	}
	if !hasTag("#spam") && !hasTag("#trash") {
		a.criteria.NotFlag = append(a.criteria.NotFlag, imap.Flag("#spam"))
		a.addCanonical("unkeyword #spam")
	}
}

// jsonString renders s as a JSON string literal (double-quoted, UTF-8
// preserved) so the emitted canonical expression parses as an IMAP literal.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// tokenize splits input on whitespace, treating double-quoted spans
// (which may start mid-token, e.g. `subj:"hello world"`) as part of one
// token with the quotes themselves stripped.
func tokenize(input string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range input {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case unicode.IsSpace(r) && !inQuotes:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
