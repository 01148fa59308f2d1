package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type WebRPCError struct {
	Name       string `json:"error"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	Cause      string `json:"cause,omitempty"`
	HTTPStatus int    `json:"status"`
	cause      error
}

var _ error = WebRPCError{}

func (e WebRPCError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s %d: %s: %v", e.Name, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s %d: %s", e.Name, e.Code, e.Message)
}

func (e WebRPCError) Is(target error) bool {
	if target == nil {
		return false
	}
	if rpcErr, ok := target.(WebRPCError); ok {
		return rpcErr.Code == e.Code
	}
	return errors.Is(e.cause, target)
}

func (e WebRPCError) Unwrap() error {
	return e.cause
}

func (e WebRPCError) WithCause(cause error) WebRPCError {
	err := e
	err.cause = cause
	err.Cause = cause.Error()
	return err
}

func (e WebRPCError) WithCausef(format string, args ...interface{}) WebRPCError {
	cause := fmt.Errorf(format, args...)
	err := e
	err.cause = cause
	err.Cause = cause.Error()
	return err
}

var (
	ErrWebrpcEndpoint      = WebRPCError{Code: 0, Name: "WebrpcEndpoint", Message: "endpoint error", HTTPStatus: 400}
	ErrWebrpcServerPanic   = WebRPCError{Code: -6, Name: "WebrpcServerPanic", Message: "server panic", HTTPStatus: 500}
	ErrInvalidRequest      = WebRPCError{Code: 7000, Name: "InvalidRequest", Message: "Invalid request", HTTPStatus: 400}
	ErrFlowNotFound        = WebRPCError{Code: 7001, Name: "FlowNotFound", Message: "Flow not found", HTTPStatus: 404}
	ErrOperationPending    = WebRPCError{Code: 7002, Name: "OperationPending", Message: "Another operation is in progress", HTTPStatus: 409}
	ErrInternalError       = WebRPCError{Code: 7003, Name: "InternalError", Message: "Internal error", HTTPStatus: 500}
	ErrSessionLimitReached = WebRPCError{Code: 7004, Name: "SessionLimitReached", Message: "Too many active flows", HTTPStatus: 503}
	ErrStageLocked         = WebRPCError{Code: 7005, Name: "StageLocked", Message: "Previous steps must be completed first", HTTPStatus: 409}
	ErrFlowComplete        = WebRPCError{Code: 7006, Name: "FlowComplete", Message: "Registration is already complete", HTTPStatus: 409}
)

// RespondWithError writes err as a JSON error body. Errors that are not a
// WebRPCError are reported as an endpoint error with the original message as cause.
func RespondWithError(w http.ResponseWriter, err error) {
	var rpcErr WebRPCError
	if !errors.As(err, &rpcErr) {
		rpcErr = ErrWebrpcEndpoint.WithCause(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rpcErr.HTTPStatus)

	respBody, _ := json.Marshal(rpcErr)
	w.Write(respBody)
}
