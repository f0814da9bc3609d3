package message

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

// Codes of the errors a server produces by itself, as opposed to errors raised by
// the method table.
const (
	CodeMethodNotFound = "MethodNotFound"
	CodeInvalidArgs    = "InvalidArgs"
	CodeTimeout        = "Timeout"
	CodeRateLimited    = "RateLimited"
	CodeInternal       = "Internal"
	CodeShuttingDown   = "ShuttingDown"
)

// Error is a structured error. It travels as {"code":...,"message":...}.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Errorf builds an *Error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// RemoteError is a non-empty error value received in a Response. Value is the JSON
// exactly as the peer sent it.
type RemoteError struct {
	Value json.RawMessage
}

func (e *RemoteError) Error() string {
	var s string
	if json.Unmarshal(e.Value, &s) == nil {
		return s
	}
	var structured Error
	if json.Unmarshal(e.Value, &structured) == nil && structured.Code != "" {
		return structured.Error()
	}
	var generic struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Value, &generic) == nil && generic.Message != "" {
		return generic.Message
	}
	return string(e.Value)
}

// Code returns the structured error code, or "" if the peer sent something else.
func (e *RemoteError) Code() string {
	var structured Error
	if json.Unmarshal(e.Value, &structured) != nil {
		return ""
	}
	return structured.Code
}

// HasCode reports whether err is a remote or local structured error with code.
func HasCode(err error, code string) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code() == code
	}
	var local *Error
	if errors.As(err, &local) {
		return local.Code == code
	}
	return false
}

// EncodeError turns err into the JSON value sent as a Response error.
// Errors received from another peer are forwarded verbatim, structured errors keep
// their shape, and anything else becomes a JSON string.
func EncodeError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) && !IsEmpty(remote.Value) {
		return remote.Value
	}
	var structured *Error
	if errors.As(err, &structured) {
		if raw, merr := json.Marshal(structured); merr == nil {
			return raw
		}
	}
	raw, merr := json.Marshal(err.Error())
	if merr != nil {
		return json.RawMessage(`"internal error"`)
	}
	return raw
}
