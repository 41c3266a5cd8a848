package model

import (
	"errors"
	"net/http"
)

// Problem codes of the request/response surface.
const (
	CodeValidation     = "validation_error"
	CodeNotFound       = "not_found"
	CodeTaskInProgress = "task_in_progress"
	CodeTerminal       = "already_terminal"
	CodeNotFinished    = "not_finished"
	CodeQueueFull      = "queue_full"
	CodeMalformed      = "malformed_request"
	CodeCodec          = "codec_error"
	CodeInternal       = "internal_error"
)

// Problem is an RFC 9457 problem details document extended with a machine
// readable code and the validation violations.
type Problem struct {
	Type       string      `json:"type"`
	Title      string      `json:"title"`
	Status     int         `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	Code       string      `json:"code"`
	Violations []Violation `json:"violations,omitempty"`
}

var codeErrors = map[string]error{
	CodeNotFound:       ErrNotFound,
	CodeTaskInProgress: ErrTaskInProgress,
	CodeTerminal:       ErrAlreadyTerminal,
	CodeNotFinished:    ErrNotFinished,
	CodeQueueFull:      ErrQueueFull,
}

// NewProblem classifies err.
func NewProblem(err error) Problem {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		p := problem(http.StatusBadRequest, CodeValidation, err)
		p.Violations = verr.Violations
		return p
	case errors.Is(err, ErrNotFound):
		return problem(http.StatusNotFound, CodeNotFound, err)
	case errors.Is(err, ErrTaskInProgress):
		return problem(http.StatusConflict, CodeTaskInProgress, err)
	case errors.Is(err, ErrAlreadyTerminal):
		return problem(http.StatusConflict, CodeTerminal, err)
	case errors.Is(err, ErrNotFinished):
		return problem(http.StatusConflict, CodeNotFinished, err)
	case errors.Is(err, ErrQueueFull):
		return problem(http.StatusServiceUnavailable, CodeQueueFull, err)
	default:
		return problem(http.StatusInternalServerError, CodeInternal, err)
	}
}

func problem(status int, code string, err error) Problem {
	return Problem{
		Type:   "urn:fabsim:problem:" + code,
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
		Code:   code,
	}
}

// Err maps the problem back to the typed error it was created from.
func (p Problem) Err() error {
	if p.Code == CodeValidation {
		return &ValidationError{Violations: p.Violations}
	}
	if err, ok := codeErrors[p.Code]; ok {
		return err
	}
	return nil
}
