package main

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"
)

//go:embed templates/index.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

func sessionIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.Header.Get(sessionHeader))
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, sess *labelSession, ttl time.Duration) {
	if sess == nil || !sess.stored {
		return
	}
	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		cookie.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, cookie)
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func renderPage(w http.ResponseWriter, status int, view viewModel) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, view); err != nil {
		logger.Error("failed to render page", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (st *appState) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, view, err := st.controller.View(r.Context(), sessionIDFromRequest(r))
	setSessionCookie(w, r, sess, st.cfg.sessionTTL)
	if err != nil {
		logger.Error("failed to load review state", "error", err)
		if sess == nil {
			http.Error(w, "failed to load session", http.StatusInternalServerError)
			return
		}
		view.Notice = &notice{Kind: noticeError, Message: "Failed to load images: " + err.Error()}
		renderPage(w, http.StatusInternalServerError, view)
		return
	}
	renderPage(w, http.StatusOK, view)
}

func (st *appState) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	sess, _, err := st.controller.Login(r.Context(), sessionIDFromRequest(r), r.PostFormValue("password"), false)
	setSessionCookie(w, r, sess, st.cfg.sessionTTL)
	if err != nil && sess == nil {
		logger.Error("login failed", "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if err != nil {
		// The session stays authenticated; the page retries initialization.
		logger.Error("session initialization failed", "session_id", sess.ID, "error", err)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (st *appState) handleLogoutForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := st.controller.Logout(r.Context(), sessionIDFromRequest(r)); err != nil {
		logger.Error("logout failed", "error", err)
	}
	clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (st *appState) handleReviewForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	id := sessionIDFromRequest(r)

	var (
		sess *labelSession
		err  error
	)
	switch r.PostFormValue("action") {
	case "previous":
		sess, _, err = st.controller.Previous(ctx, id, false)
	case "next":
		sess, _, err = st.controller.Next(ctx, id, false)
	case "save":
		sess, _, err = st.controller.Save(ctx, id, r.PostForm["tags"], r.PostFormValue("filename"), false)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	setSessionCookie(w, r, sess, st.cfg.sessionTTL)
	if err != nil && !errors.Is(err, errUnauthenticated) {
		logger.Error("review action failed", "action", r.PostFormValue("action"), "error", err)
		if sess == nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		view := buildView(sess)
		view.Notice = &notice{Kind: noticeError, Message: err.Error()}
		renderPage(w, http.StatusInternalServerError, view)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
