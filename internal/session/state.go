// Package session holds the per-client view state of the classification page.
//
// A ViewState is never mutated. Every user action produces a new value that
// replaces the previous one in the Store.
package session

import (
	"errors"
	"time"

	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/predict"
)

var (
	// ErrBusy rejects actions while a classification for the session is pending.
	ErrBusy       = errors.New("a classification is already in progress")
	ErrNoFile     = errors.New("no image selected")
	ErrNotPending = errors.New("no classification pending")
	ErrNotFound   = errors.New("session not found")
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusSelected    Status = "selected"
	StatusClassifying Status = "classifying"
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
)

type ViewState struct {
	ID          string                 `json:"id"`
	Status      Status                 `json:"status"`
	File        *imageprep.FileDetails `json:"file,omitempty"`
	Preview     string                 `json:"preview,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Predictions predict.Result         `json:"predictions,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`

	// Upload is the selected image, kept server side until it is classified.
	Upload *imageprep.Upload `json:"-"`
}

// Idle returns the initial state for id.
func Idle(id string, now time.Time) ViewState {
	return ViewState{ID: id, Status: StatusIdle, UpdatedAt: now}
}

// Select records a validated image. Earlier predictions stay visible until
// the next classification completes.
func (s ViewState) Select(up *imageprep.Upload, preview string, now time.Time) (ViewState, error) {
	if s.Status == StatusClassifying {
		return s, ErrBusy
	}
	details := up.Details
	s.Status = StatusSelected
	s.File = &details
	s.Upload = up
	s.Preview = preview
	s.Message = ""
	s.UpdatedAt = now
	return s, nil
}

// Reject clears the selection after an unusable file. Earlier predictions stay.
func (s ViewState) Reject(reason error, now time.Time) (ViewState, error) {
	if s.Status == StatusClassifying {
		return s, ErrBusy
	}
	s.Status = StatusError
	s.File = nil
	s.Upload = nil
	s.Preview = ""
	s.Message = reason.Error()
	s.UpdatedAt = now
	return s, nil
}

// Begin marks the selected image as being classified.
func (s ViewState) Begin(now time.Time) (ViewState, error) {
	if s.Status == StatusClassifying {
		return s, ErrBusy
	}
	if s.Upload == nil {
		return s, ErrNoFile
	}
	s.Status = StatusClassifying
	s.Message = ""
	s.UpdatedAt = now
	return s, nil
}

// Complete replaces the predictions with a fresh result.
func (s ViewState) Complete(result predict.Result, now time.Time) (ViewState, error) {
	if s.Status != StatusClassifying {
		return s, ErrNotPending
	}
	s.Status = StatusSuccess
	s.Predictions = result
	s.Message = ""
	s.UpdatedAt = now
	return s, nil
}

// Fail ends a pending classification with an error. Earlier predictions stay.
func (s ViewState) Fail(reason error, now time.Time) (ViewState, error) {
	if s.Status != StatusClassifying {
		return s, ErrNotPending
	}
	s.Status = StatusError
	s.Message = reason.Error()
	s.UpdatedAt = now
	return s, nil
}

// Reset drops everything but the session ID.
func (s ViewState) Reset(now time.Time) ViewState {
	return Idle(s.ID, now)
}
