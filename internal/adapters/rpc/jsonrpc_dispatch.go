package rpc

import (
	"encoding/json"
	"net/http"
)

const (
	methodCatalog          = "miniapp.catalog"
	methodLaunch           = "miniapp.launch"
	methodExecute          = "miniapp.execute"
	methodGetSession       = "miniapp.get"
	methodEndSession       = "miniapp.end"
	methodConversationGet  = "conversation.get_or_create"
	methodConversationList = "conversation.list"
	methodMarkRead         = "conversation.mark_read"
	methodMessageSend      = "message.send"
	methodMessageList      = "message.list"
	methodNetworkStatus    = "network.status"
	methodHealthCheck      = "health_check"
	methodVersion          = "rpc.version"
)

// isIdempotentMethod lists the calls whose retries must not post a second
// message into a conversation.
func isIdempotentMethod(method string) bool {
	return method == methodExecute || method == methodMessageSend
}

func (s *Server) dispatchRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case methodHealthCheck:
		return map[string]string{"status": "ok"}, nil
	case methodVersion:
		return s.versionInfo(), nil
	case methodNetworkStatus:
		return s.service.NetworkStatus(), nil
	}
	if result, rpcErr, ok := s.dispatchMiniAppRPC(r, method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchConversationRPC(r, method, rawParams); ok {
		return result, rpcErr
	}
	return nil, &rpcError{Code: rpcCodeMethodNotFound, Message: "method not found"}
}

func (s *Server) dispatchMiniAppRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case methodCatalog:
		return s.service.Catalog(), nil, true
	case methodLaunch:
		p, err := decodeLaunchParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		result, err := s.service.LaunchApp(r.Context(), p.AppID, p.ConversationID, p.Initiator)
		if err != nil {
			return nil, mapServiceError(err, result), true
		}
		return result, nil, true
	case methodExecute:
		p, err := decodeExecuteParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		result, err := s.service.ExecuteAction(r.Context(), p.SessionID, p.Action, p.Params, p.Actor)
		if err != nil {
			return nil, mapServiceError(err, result), true
		}
		return result, nil, true
	case methodGetSession:
		id, err := decodeSessionIDParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		view, err := s.service.GetSession(id)
		if err != nil {
			return nil, mapServiceError(err, nil), true
		}
		return view, nil, true
	case methodEndSession:
		id, err := decodeSessionIDParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		s.service.EndSession(id)
		return map[string]bool{"ended": true}, nil, true
	default:
		return nil, nil, false
	}
}

func (s *Server) dispatchConversationRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case methodConversationGet:
		target, initiator, err := decodeGetOrCreateParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		conv, err := s.service.GetOrCreateConversation(target, initiator)
		if err != nil {
			return nil, mapServiceError(err, nil), true
		}
		return conv, nil, true
	case methodConversationList:
		return s.service.Conversations(), nil, true
	case methodMarkRead:
		id, err := decodeConversationIDParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		if err := s.service.MarkRead(id); err != nil {
			return nil, mapServiceError(err, nil), true
		}
		return map[string]bool{"read": true}, nil, true
	case methodMessageSend:
		id, content, err := decodeMessageSendParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		msg, err := s.service.SendText(r.Context(), id, content)
		if err != nil {
			var partial any
			if msg.ID != "" {
				partial = msg
			}
			return nil, mapServiceError(err, partial), true
		}
		return msg, nil, true
	case methodMessageList:
		id, limit, offset, err := decodeMessageListParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		msgs, err := s.service.Messages(id, limit, offset)
		if err != nil {
			return nil, mapServiceError(err, nil), true
		}
		return msgs, nil, true
	default:
		return nil, nil, false
	}
}
