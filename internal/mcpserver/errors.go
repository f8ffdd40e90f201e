package mcpserver

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/paparats/paparats/internal/errors"
)

// JSON-RPC error codes, plus the taxonomy-specific range MCP reserves
// for server-defined errors (-32000 to -32099).
const (
	codeIndexError    = -32001
	codeUpstreamError = -32002
	codeTimeout       = -32003
	codeNotFound      = -32004
	codeInvalidParams = -32602
	codeInternalError = -32603
)

// toolError is a tool-call failure carrying a JSON-RPC-shaped code, in
// the same spirit as the HTTP API's errors.Kind -> status mapping but
// for the MCP transport.
type toolError struct {
	Code    int
	Message string
}

func (e *toolError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// mapError translates a domain error into a toolError by the same
// Kind taxonomy the HTTP API uses (spec §7).
func mapError(err error) *toolError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &toolError{Code: codeTimeout, Message: "request timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &toolError{Code: codeTimeout, Message: "request was canceled"}
	}

	switch apperrors.GetKind(err) {
	case apperrors.KindInput:
		return &toolError{Code: codeInvalidParams, Message: err.Error()}
	case apperrors.KindNotFound:
		return &toolError{Code: codeNotFound, Message: err.Error()}
	case apperrors.KindUpstream:
		return &toolError{Code: codeUpstreamError, Message: err.Error()}
	case apperrors.KindTimeout, apperrors.KindCanceled:
		return &toolError{Code: codeTimeout, Message: err.Error()}
	case apperrors.KindIndex:
		return &toolError{Code: codeIndexError, Message: err.Error()}
	default:
		return &toolError{Code: codeInternalError, Message: err.Error()}
	}
}

func invalidParams(msg string) *toolError {
	return &toolError{Code: codeInvalidParams, Message: msg}
}
