package handlers

import (
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/Brownie44l1/cloudai/internal/events"
	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/predict"
	"github.com/Brownie44l1/cloudai/internal/session"
)

const sessionCookie = "cloudai_session"

// currentSession resolves the caller's session, starting a new one when the
// cookie is missing or has expired.
func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) session.ViewState {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if st, ok := h.sessions.Get(c.Value); ok {
			return st
		}
	}
	st := h.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    st.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return st
}

// sessionID returns the caller's session cookie without creating a session.
func sessionID(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

type sessionError struct {
	Error string            `json:"error"`
	State session.ViewState `json:"state"`
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.currentSession(w, r))
}

func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	st := h.currentSession(w, r)
	next, err := h.sessions.Update(st.ID, func(s session.ViewState, now time.Time) (session.ViewState, error) {
		return s.Reset(now), nil
	})
	if err != nil {
		h.fail(w, r, "reset failed", err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// SelectFile validates an uploaded image and makes it the session's selection.
// Invalid files clear the selection but leave earlier predictions in place.
func (h *Handler) SelectFile(w http.ResponseWriter, r *http.Request) {
	st := h.currentSession(w, r)

	up, err := h.readUpload(w, r)
	var preview string
	if err == nil {
		var img image.Image
		img, err = up.Decode()
		if err == nil {
			preview, err = imageprep.Preview(img, h.opts.PreviewSize)
		}
	}

	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.fail(w, r, "preview failed", err)
			return
		}
		next, uerr := h.sessions.Update(st.ID, func(s session.ViewState, now time.Time) (session.ViewState, error) {
			return s.Reject(err, now)
		})
		if uerr != nil {
			h.fail(w, r, "file rejected while busy", uerr)
			return
		}
		h.logger.Info("file rejected", "session", st.ID, "err", err)
		writeJSON(w, code, sessionError{Error: err.Error(), State: next})
		return
	}

	next, err := h.sessions.Update(st.ID, func(s session.ViewState, now time.Time) (session.ViewState, error) {
		return s.Select(up, preview, now)
	})
	if err != nil {
		h.fail(w, r, "select failed", err)
		return
	}
	h.logger.Info("file selected", "session", st.ID, "name", up.Details.Name, "size", up.Details.Size)
	writeJSON(w, http.StatusOK, next)
}

// ClassifySession runs the selected image through the pipeline. A second
// request while one is pending gets 409 and does not start another run.
func (h *Handler) ClassifySession(w http.ResponseWriter, r *http.Request) {
	st := h.currentSession(w, r)

	pending, err := h.sessions.Update(st.ID, func(s session.ViewState, now time.Time) (session.ViewState, error) {
		return s.Begin(now)
	})
	if err != nil {
		h.fail(w, r, "classification not started", err)
		return
	}

	result, err := h.classifyUpload(r, pending.Upload)
	if err != nil {
		next, uerr := h.sessions.Update(st.ID, func(s session.ViewState, now time.Time) (session.ViewState, error) {
			return s.Fail(err, now)
		})
		h.publishError(st.ID, pending.File, err)
		if uerr != nil {
			h.fail(w, r, "session changed during classification", uerr)
			return
		}
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.logger.Error("classification failed", "session", st.ID, "err", err)
		}
		writeJSON(w, code, sessionError{Error: err.Error(), State: next})
		return
	}

	next, err := h.sessions.Update(st.ID, func(s session.ViewState, now time.Time) (session.ViewState, error) {
		return s.Complete(result, now)
	})
	if err != nil {
		// reset while running; the result is dropped
		h.fail(w, r, "session changed during classification", err)
		return
	}
	h.hub.Publish(events.Event{Type: events.TypePrediction, Source: "upload", Session: st.ID, File: next.File, Predictions: result})
	writeJSON(w, http.StatusOK, next)
}

func (h *Handler) classifyUpload(r *http.Request, up *imageprep.Upload) (predict.Result, error) {
	if up == nil {
		return nil, session.ErrNoFile
	}
	img, err := up.Decode()
	if err != nil {
		return nil, err
	}
	return h.classifier.Classify(r.Context(), img)
}

func (h *Handler) publishError(sid string, file *imageprep.FileDetails, err error) {
	if errors.Is(err, session.ErrNoFile) {
		return
	}
	h.hub.Publish(events.Event{Type: events.TypeError, Source: "upload", Session: sid, File: file, Message: err.Error()})
}
