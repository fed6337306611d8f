package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	imap "github.com/emersion/go-imap/v2"

	"github.com/mailstation/mailstation/internal/query"
	"github.com/mailstation/mailstation/internal/threader"
)

// UID, QueryResult, and ParsedMessage alias the engine/query/threader types
// this package's handlers pass through, so AccountEngine's signature doesn't
// force every caller to import three extra packages just to satisfy it.
type (
	UID         = imap.UID
	QueryResult = query.Result
	ParsedMessage = threader.ParsedMessage
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running  bool            `json:"running"`
	Accounts []AccountStatus `json:"accounts"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// engineFor resolves email to its Engine, writing a 400/404 response and
// returning ok=false if it can't. Every handler needs one: each account has
// its own Engine (its own remote login, its own ALL/\Local mailboxes), so
// there is no account-less route.
func (s *Server) engineFor(w http.ResponseWriter, email string) (AccountEngine, bool) {
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing_account", "account is required")
		return nil, false
	}
	eng, ok := s.engines(email)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_account", "no such account: "+email)
		return nil, false
	}
	return eng, true
}

// SearchRequest is the POST /search (and GET /search query-string) body,
// per §6: "{q, preload?}" — preload is the count of leading uids whose info
// is inlined into the response (default 200), not a boolean, per mailur's
// web.py search(): "preload = preload or 200".
type SearchRequest struct {
	Account string `json:"account"`
	Q       string `json:"q"`
	Preload int    `json:"preload,omitempty"`
}

const defaultSearchPreload = 200

// SearchResponse is "{uids, msgs, threads?, tags?}": msgs is the preloaded
// info for the first Preload uids, keyed by decimal uid. It has no msgs_info
// member; info for uids past the preload is served by POST /msgs/info.
type SearchResponse struct {
	UIDs    []UID                      `json:"uids"`
	Msgs    map[string]*ParsedMessage  `json:"msgs"`
	Threads bool                       `json:"threads,omitempty"`
	Tags    []string                   `json:"tags,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if r.Method == http.MethodGet {
		req.Account = r.URL.Query().Get("account")
		req.Q = r.URL.Query().Get("q")
		if p, err := strconv.Atoi(r.URL.Query().Get("preload")); err == nil {
			req.Preload = p
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Preload <= 0 {
		req.Preload = defaultSearchPreload
	}

	eng, ok := s.engineFor(w, req.Account)
	if !ok {
		return
	}

	uids, result, err := eng.Search(r.Context(), req.Q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "search_failed", err.Error())
		return
	}

	resp := SearchResponse{
		UIDs:    uids,
		Msgs:    map[string]*ParsedMessage{},
		Threads: result.Options.Threads,
		Tags:    result.Options.Tags,
	}
	preloadUIDs := uids
	if len(preloadUIDs) > req.Preload {
		preloadUIDs = preloadUIDs[:req.Preload]
	}
	if len(preloadUIDs) > 0 {
		info, err := eng.MessagesInfo(r.Context(), preloadUIDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "preload_failed", err.Error())
			return
		}
		for i, uid := range preloadUIDs {
			resp.Msgs[formatUID(uid)] = info[i]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// FlagRequest is POST /msgs/flag's "{uids, old, new}" per §6.
type FlagRequest struct {
	Account string `json:"account"`
	UIDs    []UID  `json:"uids"`
	Old     []string `json:"old"`
	New     []string `json:"new"`
}

func (s *Server) handleMsgsFlag(w http.ResponseWriter, r *http.Request) {
	var req FlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	eng, ok := s.engineFor(w, req.Account)
	if !ok {
		return
	}

	add, remove := diffFlagSets(req.Old, req.New)
	for _, uid := range req.UIDs {
		if err := eng.Flag(r.Context(), uid, add, remove); err != nil {
			writeError(w, http.StatusInternalServerError, "flag_failed", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(req.UIDs)})
}

// diffFlagSets turns an {old, new} flag-set diff into IMAP STORE add/remove
// lists — flags present in newFlags but not old are added, flags present in
// old but not newFlags are removed.
func diffFlagSets(old, newFlags []string) (add, remove []string) {
	oldSet := make(map[string]bool, len(old))
	for _, f := range old {
		oldSet[f] = true
	}
	newSet := make(map[string]bool, len(newFlags))
	for _, f := range newFlags {
		newSet[f] = true
		if !oldSet[f] {
			add = append(add, f)
		}
	}
	for _, f := range old {
		if !newSet[f] {
			remove = append(remove, f)
		}
	}
	return add, remove
}

// UIDsRequest is the shared shape of /msgs/body, /msgs/info, and /thrs/info:
// an account plus the uids to operate on.
type UIDsRequest struct {
	Account string `json:"account"`
	UIDs    []UID  `json:"uids"`
}

func decodeUIDsRequest(r *http.Request, w http.ResponseWriter) (*UIDsRequest, bool) {
	var req UIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	return &req, true
}

// MsgBody is the POST /msgs/body response shape: just the text the UI renders.
type MsgBody struct {
	UID       UID    `json:"uid"`
	BodyText  string `json:"body_text"`
	BodyHTML  string `json:"body_html_stripped,omitempty"`
	Placeholder bool `json:"placeholder,omitempty"`
}

func (s *Server) handleMsgsBody(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUIDsRequest(r, w)
	if !ok {
		return
	}
	eng, ok := s.engineFor(w, req.Account)
	if !ok {
		return
	}

	msgs, err := eng.MessagesInfo(r.Context(), req.UIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch_failed", err.Error())
		return
	}

	bodies := make([]MsgBody, len(req.UIDs))
	for i, uid := range req.UIDs {
		pm := msgs[i]
		bodies[i] = MsgBody{
			UID:         uid,
			BodyText:    pm.BodyText,
			BodyHTML:    pm.BodyHTMLStripped,
			Placeholder: pm.Placeholder,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"msgs": bodies})
}

func (s *Server) handleMsgsInfo(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUIDsRequest(r, w)
	if !ok {
		return
	}
	eng, ok := s.engineFor(w, req.Account)
	if !ok {
		return
	}

	msgs, err := eng.MessagesInfo(r.Context(), req.UIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msgs_info": msgs})
}

func (s *Server) handleThrsInfo(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUIDsRequest(r, w)
	if !ok {
		return
	}
	eng, ok := s.engineFor(w, req.Account)
	if !ok {
		return
	}

	threads, err := eng.ThreadsInfo(r.Context(), req.UIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch_failed", err.Error())
		return
	}

	out := make(map[string][]*ParsedMessage, len(threads))
	for uid, msgs := range threads {
		out[formatUID(uid)] = msgs
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

// formatUID renders a UID as a decimal string for use as a JSON object key
// (encoding/json can't use imap.UID as a map key directly).
func formatUID(uid UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// SyncTriggerRequest is POST /sync/trigger's "{account}" per §6.
type SyncTriggerRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	var req SyncTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "missing_account", "account is required")
		return
	}
	if !s.scheduler.IsScheduled(req.Account) {
		writeError(w, http.StatusNotFound, "unknown_account", "no such account: "+req.Account)
		return
	}
	if err := s.scheduler.TriggerSync(req.Account); err != nil {
		writeError(w, http.StatusConflict, "trigger_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": req.Account})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running:  s.scheduler.IsRunning(),
		Accounts: s.scheduler.Status(),
	})
}
