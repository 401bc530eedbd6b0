package rpc

import (
	"errors"

	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/envelope"
)

const (
	rpcCodeMethodNotFound      = -32601
	rpcCodeInvalidParams       = -32602
	rpcCodeServiceError        = -32000
	rpcCodeNotFound            = -32004
	rpcCodeRateLimited         = -32029
	rpcCodeIdempotencyConflict = -32031
	rpcCodeRequestPending      = -32032
	rpcCodeTransport           = -32050
)

var errInvalidParams = errors.New("invalid params")

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: rpcCodeInvalidParams, Message: "invalid params"}
}

// mapServiceError turns a runtime error into its JSON-RPC code. partial is
// attached to transport failures, where the call took effect but its
// message was not delivered.
func mapServiceError(err error, partial any) *rpcError {
	switch {
	case miniapp.IsValidation(err), errors.Is(err, errInvalidParams):
		return &rpcError{Code: rpcCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, miniapp.ErrNotFound):
		return &rpcError{Code: rpcCodeNotFound, Message: err.Error()}
	case errors.Is(err, miniapp.ErrRateLimited):
		return &rpcError{Code: rpcCodeRateLimited, Message: err.Error()}
	case errors.Is(err, envelope.ErrTransport):
		return &rpcError{Code: rpcCodeTransport, Message: err.Error(), Data: partial}
	default:
		return &rpcError{Code: rpcCodeServiceError, Message: err.Error()}
	}
}
