package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/call"
	"github.com/offmesh/offmesh/internal/loop"
	"github.com/offmesh/offmesh/internal/mesh"
	"github.com/offmesh/offmesh/internal/store"
)

const maxRequestBody = 8 << 20

// Messenger is the mesh surface driven by the control API.
type Messenger interface {
	Username() string
	Peers() []mesh.Peer
	SendText(ctx context.Context, to, body string) (store.Message, error)
	SendGroupText(ctx context.Context, groupID, body string) (store.Message, error)
	SendImage(ctx context.Context, to, groupID, mime string, data []byte) (store.Message, error)
	EditMessage(ctx context.Context, id, body string) (store.Message, error)
	DeleteMessage(ctx context.Context, id string) (store.Message, error)
	CreateGroup(ctx context.Context, name, password string) (mesh.GroupInfo, error)
	InviteToGroup(ctx context.Context, groupID, user string) error
	JoinGroup(ctx context.Context, groupID, password string) (mesh.GroupInfo, error)
	LeaveGroup(ctx context.Context, groupID string) error
	Challenges(ctx context.Context) ([]mesh.JoinChallenge, error)
}

// Caller is the call surface driven by the control API.
type Caller interface {
	Invite(ctx context.Context, peer string, video bool) (call.Snapshot, error)
	Accept(ctx context.Context) (call.Snapshot, error)
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	Snapshot(ctx context.Context) (call.Snapshot, error)
}

// API serves the control surface under /api.
type API struct {
	log     *zap.Logger
	mesh    Messenger
	calls   Caller
	store   store.Store
	hub     *Hub
	metrics *apiMetrics
}

type sendRequest struct {
	To      string `json:"to"`
	GroupID string `json:"group_id"`
	Body    string `json:"body"`
}

type imageRequest struct {
	To      string `json:"to"`
	GroupID string `json:"group_id"`
	MIME    string `json:"mime"`
	Data    []byte `json:"data"`
}

type editRequest struct {
	Body string `json:"body"`
}

type groupRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type inviteRequest struct {
	User string `json:"user"`
}

type joinRequest struct {
	Password string `json:"password"`
}

type callRequest struct {
	Peer  string `json:"peer"`
	Video bool   `json:"video"`
}

// StatusResponse is the body of GET /api/status and the first frame on the
// event stream.
type StatusResponse struct {
	Username string        `json:"username"`
	Peers    []mesh.Peer   `json:"peers"`
	Call     call.Snapshot `json:"call"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register mounts the control API on r.
func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.instrument)

	api.HandleFunc("/status", a.status).Methods("GET").Name("status")
	api.HandleFunc("/peers", a.peers).Methods("GET").Name("peers")
	api.HandleFunc("/messages", a.sendMessage).Methods("POST").Name("send_message")
	api.HandleFunc("/images", a.sendImage).Methods("POST").Name("send_image")
	api.HandleFunc("/messages/{id}", a.message).Methods("GET").Name("get_message")
	api.HandleFunc("/messages/{id}", a.editMessage).Methods("PUT").Name("edit_message")
	api.HandleFunc("/messages/{id}", a.deleteMessage).Methods("DELETE").Name("delete_message")
	api.HandleFunc("/conversations/{key}", a.conversation).Methods("GET").Name("conversation")
	api.HandleFunc("/groups", a.groups).Methods("GET").Name("list_groups")
	api.HandleFunc("/groups", a.createGroup).Methods("POST").Name("create_group")
	api.HandleFunc("/groups/{id}/invite", a.inviteToGroup).Methods("POST").Name("invite_group")
	api.HandleFunc("/groups/{id}/join", a.joinGroup).Methods("POST").Name("join_group")
	api.HandleFunc("/groups/{id}/leave", a.leaveGroup).Methods("POST").Name("leave_group")
	api.HandleFunc("/challenges", a.challenges).Methods("GET").Name("challenges")
	api.HandleFunc("/call", a.callStatus).Methods("GET").Name("call_status")
	api.HandleFunc("/call", a.invite).Methods("POST").Name("call_invite")
	api.HandleFunc("/call/accept", a.accept).Methods("POST").Name("call_accept")
	api.HandleFunc("/call/reject", a.reject).Methods("POST").Name("call_reject")
	api.HandleFunc("/call/hangup", a.hangup).Methods("POST").Name("call_hangup")
	api.HandleFunc("/events", a.events).Methods("GET").Name("events")
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records per-route request metrics. The event stream hijacks
// the connection and is only counted once the stream closes.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := ""
		if route := mux.CurrentRoute(r); route != nil {
			op = route.GetName()
		}
		if op == "events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(rec, r)
		a.metrics.observe(op, rec.code, time.Since(start))
	})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	resp, err := a.statusSnapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) statusSnapshot(ctx context.Context) (StatusResponse, error) {
	snap, err := a.calls.Snapshot(ctx)
	if err != nil {
		return StatusResponse{}, err
	}
	peers := a.mesh.Peers()
	if peers == nil {
		peers = []mesh.Peer{}
	}
	return StatusResponse{Username: a.mesh.Username(), Peers: peers, Call: snap}, nil
}

func (a *API) peers(w http.ResponseWriter, _ *http.Request) {
	peers := a.mesh.Peers()
	if peers == nil {
		peers = []mesh.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !a.decode(w, r, &req) {
		return
	}
	var (
		msg store.Message
		err error
	)
	switch {
	case req.GroupID != "" && req.To != "":
		a.writeError(w, badRequest("set either to or group_id"))
		return
	case req.GroupID != "":
		msg, err = a.mesh.SendGroupText(r.Context(), req.GroupID, req.Body)
	default:
		msg, err = a.mesh.SendText(r.Context(), req.To, req.Body)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) sendImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !a.decode(w, r, &req) {
		return
	}
	msg, err := a.mesh.SendImage(r.Context(), req.To, req.GroupID, req.MIME, req.Data)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) message(w http.ResponseWriter, r *http.Request) {
	msg, err := a.store.Message(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) editMessage(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !a.decode(w, r, &req) {
		return
	}
	msg, err := a.mesh.EditMessage(r.Context(), mux.Vars(r)["id"], req.Body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := a.mesh.DeleteMessage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) conversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.store.Conversation(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) groups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.store.Groups(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]mesh.GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, mesh.NewGroupInfo(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !a.decode(w, r, &req) {
		return
	}
	info, err := a.mesh.CreateGroup(r.Context(), req.Name, req.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) inviteToGroup(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.mesh.InviteToGroup(r.Context(), mux.Vars(r)["id"], req.User); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) joinGroup(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !a.decode(w, r, &req) {
		return
	}
	info, err := a.mesh.JoinGroup(r.Context(), mux.Vars(r)["id"], req.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) leaveGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.mesh.LeaveGroup(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) challenges(w http.ResponseWriter, r *http.Request) {
	out, err := a.mesh.Challenges(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if out == nil {
		out = []mesh.JoinChallenge{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) callStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.calls.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) invite(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !a.decode(w, r, &req) {
		return
	}
	snap, err := a.calls.Invite(r.Context(), req.Peer, req.Video)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) accept(w http.ResponseWriter, r *http.Request) {
	snap, err := a.calls.Accept(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) reject(w http.ResponseWriter, r *http.Request) {
	if err := a.calls.Reject(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) hangup(w http.ResponseWriter, r *http.Request) {
	if err := a.calls.Hangup(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) events(w http.ResponseWriter, r *http.Request) {
	var first *OutgoingMessage
	if resp, err := a.statusSnapshot(r.Context()); err == nil {
		first = &OutgoingMessage{Type: "state", Payload: resp}
	}
	a.hub.serve(w, r, first)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		a.writeError(w, badRequest("invalid request body: "+err.Error()))
		return false
	}
	return true
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// statusFor maps domain errors onto HTTP status codes and a metric label.
func statusFor(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, call.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, call.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound, "no_session"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnknownMessage):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, mesh.ErrNoChallenge):
		return http.StatusNotFound, "no_challenge"
	case errors.Is(err, mesh.ErrBadPassword):
		return http.StatusForbidden, "bad_password"
	case errors.Is(err, mesh.ErrNotMember):
		return http.StatusForbidden, "not_member"
	case errors.Is(err, mesh.ErrNotAuthor):
		return http.StatusForbidden, "not_author"
	case errors.Is(err, mesh.ErrInvalid), errors.Is(err, call.ErrInvalidPeer):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, mesh.ErrSuspended):
		return http.StatusServiceUnavailable, "suspended"
	case errors.Is(err, loop.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	code, label := statusFor(err)
	a.metrics.recordError(label)
	if code == http.StatusInternalServerError {
		a.log.Warn("control api request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
