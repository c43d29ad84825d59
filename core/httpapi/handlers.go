package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/m3rciful/convobot/core/dispatch"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/session"
)

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type statsResponse struct {
	Dispatch *dispatch.Stats `json:"dispatch,omitempty"`
	Outbound *outbound.Stats `json:"outbound,omitempty"`
}

type sessionResponse struct {
	Key          string          `json:"key"`
	State        session.State   `json:"state"`
	Data         session.Fields  `json:"data"`
	History      []session.State `json:"history,omitempty"`
	Version      int64           `json:"version"`
	LastActivity *time.Time      `json:"last_activity,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, statusResponse{Status: "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if s.deps.Dispatch != nil {
		st := s.deps.Dispatch()
		resp.Dispatch = &st
	}
	if s.deps.Outbound != nil {
		st := s.deps.Outbound()
		resp.Outbound = &st
	}
	render.JSON(w, r, resp)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Sessions.Get(r.Context(), key)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	resp := sessionResponse{
		Key:     key.String(),
		State:   sess.State,
		Data:    sess.Data,
		History: sess.History,
		Version: sess.Version,
	}
	if !sess.LastActivity.IsZero() {
		resp.LastActivity = &sess.LastActivity
	}
	render.JSON(w, r, resp)
}

// resetSession deletes the session, returning the user to idle.
func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	if err := s.deps.Sessions.Delete(r.Context(), key); err != nil {
		s.storeError(w, r, err)
		return
	}
	logger.Info(r.Context(), "http", "session.reset", slog.String("key", key.String()))
	render.JSON(w, r, statusResponse{Status: "ok"})
}

func (s *Server) sessionKey(w http.ResponseWriter, r *http.Request) (session.Key, bool) {
	if s.deps.Sessions == nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, statusResponse{Status: "fail", Error: "session store not configured"})
		return session.Key{}, false
	}
	bot, err1 := strconv.ParseInt(chi.URLParam(r, "bot"), 10, 64)
	user, err2 := strconv.ParseInt(chi.URLParam(r, "user"), 10, 64)
	var chat int64
	var err3 error
	if c := r.URL.Query().Get("chat"); c != "" {
		chat, err3 = strconv.ParseInt(c, 10, 64)
	}
	if err := errors.Join(err1, err2, err3); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, statusResponse{Status: "fail", Error: "bot, user and chat must be integers"})
		return session.Key{}, false
	}
	return session.Key{BotID: bot, UserID: user, ChatID: chat}, true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, session.ErrStorageUnavailable) {
		code = http.StatusServiceUnavailable
	}
	logger.Warn(r.Context(), "http", "session.store", logger.Err(err))
	render.Status(r, code)
	render.JSON(w, r, statusResponse{Status: "fail", Error: err.Error()})
}
