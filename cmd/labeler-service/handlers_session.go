package main

import (
	"errors"
	"net/http"
	"strings"
)

type sessionResponse struct {
	SessionID string `json:"session_id,omitempty"`
	viewModel
}

func statusForView(v viewModel) int {
	if v.Notice == nil {
		return http.StatusOK
	}
	switch v.Notice.Kind {
	case noticeError:
		if v.Phase == phaseUnauthenticated {
			return http.StatusUnauthorized
		}
		return http.StatusInternalServerError
	case noticeWarning:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func (st *appState) writeSessionResult(w http.ResponseWriter, r *http.Request, sess *labelSession, view viewModel, err error) {
	setSessionCookie(w, r, sess, st.cfg.sessionTTL)
	switch {
	case errors.Is(err, errUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "login required"})
	case err != nil:
		logger.Error("session transition failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
	default:
		resp := sessionResponse{viewModel: view}
		if sess.stored {
			resp.SessionID = sess.ID
		}
		writeJSON(w, statusForView(view), resp)
	}
}

func (st *appState) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, view, err := st.controller.View(r.Context(), sessionIDFromRequest(r))
	st.writeSessionResult(w, r, sess, view, err)
}

func (st *appState) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if !decodeJSONOrBadRequest(w, r, &body, "password is required") {
		return
	}
	sess, view, err := st.controller.Login(r.Context(), sessionIDFromRequest(r), body.Password, true)
	st.writeSessionResult(w, r, sess, view, err)
}

func (st *appState) handleSessionPrevious(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, view, err := st.controller.Previous(r.Context(), sessionIDFromRequest(r), true)
	st.writeSessionResult(w, r, sess, view, err)
}

func (st *appState) handleSessionNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, view, err := st.controller.Next(r.Context(), sessionIDFromRequest(r), true)
	st.writeSessionResult(w, r, sess, view, err)
}

func (st *appState) handleSessionSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Tags     []string `json:"tags"`
		Filename string   `json:"filename"`
	}
	if !decodeJSONOrBadRequest(w, r, &body, "tags are required") {
		return
	}
	sess, view, err := st.controller.Save(r.Context(), sessionIDFromRequest(r), body.Tags, strings.TrimSpace(body.Filename), true)
	st.writeSessionResult(w, r, sess, view, err)
}

func (st *appState) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := st.controller.Logout(r.Context(), sessionIDFromRequest(r)); err != nil {
		logger.Error("logout failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "logout failed"})
		return
	}
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (st *appState) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tagVocabulary})
}

func (st *appState) handleLabelsGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !st.authenticated(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "login required"})
		return
	}
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		badRequest(w, "filename is required")
		return
	}
	tags, err := st.labels.LabelsFor(r.Context(), filename)
	if err != nil {
		logger.Error("failed to read labels", "filename", filename, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if tags == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"filename": filename, "labeled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filename": filename, "labeled": true, "labels": tags})
}

// authenticated reports whether the request carries a logged-in session.
func (st *appState) authenticated(r *http.Request) bool {
	id := sessionIDFromRequest(r)
	if id == "" {
		return false
	}
	sess, ok, err := st.sessions.Load(r.Context(), id)
	if err != nil {
		logger.Warn("failed to load session", "error", err)
		return false
	}
	return ok && sess.Authenticated
}
