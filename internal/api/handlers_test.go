package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	imap "github.com/emersion/go-imap/v2"

	"github.com/mailstation/mailstation/internal/config"
	"github.com/mailstation/mailstation/internal/query"
	"github.com/mailstation/mailstation/internal/scheduler"
	"github.com/mailstation/mailstation/internal/threader"
)

// fakeEngine is a bare AccountEngine stub: handler tests exercise request
// parsing, routing, and response shaping, not the sync algorithms
// themselves (covered by internal/engine's own tests).
type fakeEngine struct {
	searchUIDs  []imap.UID
	searchOpts  query.Options
	searchErr   error
	msgs        map[imap.UID]*threader.ParsedMessage
	flagCalls   []flagCall
}

type flagCall struct {
	uid            imap.UID
	add, remove []string
}

func (f *fakeEngine) Search(ctx context.Context, q string) ([]imap.UID, *query.Result, error) {
	if f.searchErr != nil {
		return nil, nil, f.searchErr
	}
	return f.searchUIDs, &query.Result{Options: f.searchOpts}, nil
}

func (f *fakeEngine) Flag(ctx context.Context, uid imap.UID, add, remove []string) error {
	f.flagCalls = append(f.flagCalls, flagCall{uid: uid, add: add, remove: remove})
	return nil
}

func (f *fakeEngine) MessagesInfo(ctx context.Context, uids []imap.UID) ([]*threader.ParsedMessage, error) {
	out := make([]*threader.ParsedMessage, len(uids))
	for i, uid := range uids {
		if pm, ok := f.msgs[uid]; ok {
			out[i] = pm
			continue
		}
		out[i] = &threader.ParsedMessage{Subject: "(missing)"}
	}
	return out, nil
}

func (f *fakeEngine) ThreadsInfo(ctx context.Context, uids []imap.UID) (map[imap.UID][]*threader.ParsedMessage, error) {
	out := make(map[imap.UID][]*threader.ParsedMessage, len(uids))
	for _, uid := range uids {
		out[uid] = []*threader.ParsedMessage{f.msgs[uid]}
	}
	return out, nil
}

func newTestServer(t *testing.T, eng *fakeEngine) *Server {
	t.Helper()
	cfg := &config.Config{Server: config.ServerConfig{APIPort: 8080}}
	sched := scheduler.New(func(ctx context.Context, email string) error { return nil })
	lookup := func(email string) (AccountEngine, bool) {
		if email != "alice@example.com" {
			return nil, false
		}
		return eng, true
	}
	return NewServer(cfg, lookup, sched, testLogger())
}

func postJSON(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHandleSearch_UnknownAccount(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{})
	w := postJSON(t, srv, "/api/v1/search", `{"account":"nobody@example.com","q":"hello"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleSearch_PreloadsMessageInfo(t *testing.T) {
	eng := &fakeEngine{
		searchUIDs: []imap.UID{1, 2},
		msgs: map[imap.UID]*threader.ParsedMessage{
			1: {Subject: "first"},
			2: {Subject: "second"},
		},
	}
	srv := newTestServer(t, eng)

	w := postJSON(t, srv, "/api/v1/search", `{"account":"alice@example.com","q":"subj:hello","preload":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.UIDs) != 2 {
		t.Fatalf("uids = %v", resp.UIDs)
	}
	if len(resp.Msgs) != 2 || resp.Msgs["1"] == nil || resp.Msgs["1"].Subject != "first" {
		t.Errorf("msgs = %+v", resp.Msgs)
	}
}

func TestHandleMsgsFlag_AppliesDiffToEveryUID(t *testing.T) {
	eng := &fakeEngine{}
	srv := newTestServer(t, eng)

	w := postJSON(t, srv, "/api/v1/msgs/flag",
		`{"account":"alice@example.com","uids":[1,2],"old":["\\Seen"],"new":["\\Seen","\\Flagged"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(eng.flagCalls) != 2 {
		t.Fatalf("expected 2 Flag calls, got %d", len(eng.flagCalls))
	}
	for _, call := range eng.flagCalls {
		if len(call.add) != 1 || call.add[0] != "\\Flagged" {
			t.Errorf("add = %v, want [\\Flagged]", call.add)
		}
		if len(call.remove) != 0 {
			t.Errorf("remove = %v, want none", call.remove)
		}
	}
}

func TestHandleMsgsBody_ReturnsBodyText(t *testing.T) {
	eng := &fakeEngine{
		msgs: map[imap.UID]*threader.ParsedMessage{
			5: {Subject: "hi", BodyText: "hello world"},
		},
	}
	srv := newTestServer(t, eng)

	w := postJSON(t, srv, "/api/v1/msgs/body", `{"account":"alice@example.com","uids":[5]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Msgs []MsgBody `json:"msgs"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Msgs) != 1 || resp.Msgs[0].BodyText != "hello world" {
		t.Errorf("msgs = %+v", resp.Msgs)
	}
}

func TestHandleSyncTrigger_UnscheduledAccount(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{})
	w := postJSON(t, srv, "/api/v1/sync/trigger", `{"account":"alice@example.com"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDiffFlagSets(t *testing.T) {
	add, remove := diffFlagSets([]string{"\\Seen"}, []string{"\\Seen", "\\Flagged"})
	if len(add) != 1 || add[0] != "\\Flagged" {
		t.Errorf("add = %v", add)
	}
	if len(remove) != 0 {
		t.Errorf("remove = %v", remove)
	}

	add, remove = diffFlagSets([]string{"\\Seen", "\\Flagged"}, []string{"\\Seen"})
	if len(add) != 0 {
		t.Errorf("add = %v", add)
	}
	if len(remove) != 1 || remove[0] != "\\Flagged" {
		t.Errorf("remove = %v", remove)
	}
}
