package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError represents a structured error response.
type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIError{Error: msg, Code: status})
}

var (
	// ErrStorageUnavailable is wrapped by every settings or history backend failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRelayUnavailable means the relay did not answer at all.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrRelayUnauthorized means the relay answered but refused the client's token.
	ErrRelayUnauthorized = errors.New("relay rejected token")
)

// ValidationError is a local input failure. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError records which storage operation failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", ErrStorageUnavailable, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ProbeErrorKind classifies a failed probe.
type ProbeErrorKind string

const (
	ProbeUnauthorized ProbeErrorKind = "unauthorized"
	ProbeHTTP         ProbeErrorKind = "http"
	ProbeSchema       ProbeErrorKind = "schema"
	ProbeTransport    ProbeErrorKind = "transport"
)

// ProbeError is a failure reported by the external service or the network path to it.
type ProbeError struct {
	Kind    ProbeErrorKind
	Status  int
	Message string
}

func (e *ProbeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Message
}

// RelayError wraps a relay transport failure.
type RelayError struct {
	Action string
	Err    error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrRelayUnavailable, e.Action, e.Err)
}

func (e *RelayError) Unwrap() []error {
	return []error{ErrRelayUnavailable, e.Err}
}

// RelayAuthError is a 401/403 from the relay's auth layer. Other actions stay usable.
type RelayAuthError struct {
	Action  string
	Status  int
	Message string
}

func (e *RelayAuthError) Error() string {
	return fmt.Sprintf("%s (%s): HTTP %d: %s", ErrRelayUnauthorized, e.Action, e.Status, e.Message)
}

func (e *RelayAuthError) Unwrap() error { return ErrRelayUnauthorized }

// Error codes carried in relay envelopes so clients can rebuild typed errors.
const (
	codeValidation  = "validation"
	codeStorage     = "storage_unavailable"
	codeProbePrefix = "probe_"
	codeBadRequest  = "bad_request"
	codeInternal    = "internal"
)

// errorCode maps an error onto its envelope code and, for probe failures, the upstream status.
func errorCode(err error) (string, int) {
	var verr *ValidationError
	var perr *ProbeError
	switch {
	case errors.As(err, &verr):
		return codeValidation, 0
	case errors.As(err, &perr):
		return codeProbePrefix + string(perr.Kind), perr.Status
	case errors.Is(err, ErrStorageUnavailable):
		return codeStorage, 0
	default:
		return codeInternal, 0
	}
}

// errorFromCode is the client-side inverse of errorCode.
func errorFromCode(code, msg string, status int) error {
	switch {
	case code == codeValidation:
		return &ValidationError{Reason: msg}
	case code == codeStorage:
		// msg is "storage unavailable: <op>: <cause>"; rebuild it so Error() matches verbatim.
		rest := strings.TrimPrefix(msg, ErrStorageUnavailable.Error()+": ")
		op, cause, ok := strings.Cut(rest, ": ")
		if !ok {
			return &StorageError{Err: errors.New(rest)}
		}
		return &StorageError{Op: op, Err: errors.New(cause)}
	case strings.HasPrefix(code, codeProbePrefix):
		kind := ProbeErrorKind(strings.TrimPrefix(code, codeProbePrefix))
		return &ProbeError{Kind: kind, Status: status, Message: probeMessage(msg, status)}
	default:
		return errors.New(msg)
	}
}

// probeMessage strips the "HTTP nnn: " prefix the server side already rendered.
func probeMessage(msg string, status int) string {
	if status == 0 {
		return msg
	}
	return strings.TrimPrefix(msg, fmt.Sprintf("HTTP %d: ", status))
}
