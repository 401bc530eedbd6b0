package rpc

import (
	"bytes"
	"encoding/json"
	"strings"
)

// decodeParams reads named params into v. Unknown fields are rejected so
// typos surface as invalid params instead of silent defaults.
func decodeParams(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInvalidParams
	}
	return nil
}

type launchParams struct {
	AppID          string `json:"appId"`
	ConversationID string `json:"conversationId"`
	Initiator      string `json:"initiator"`
}

func decodeLaunchParams(raw json.RawMessage) (launchParams, error) {
	var p launchParams
	if err := decodeParams(raw, &p); err != nil {
		return launchParams{}, err
	}
	p.AppID = strings.TrimSpace(p.AppID)
	p.ConversationID = strings.TrimSpace(p.ConversationID)
	if p.AppID == "" || p.ConversationID == "" {
		return launchParams{}, errInvalidParams
	}
	return p, nil
}

type executeParams struct {
	SessionID string          `json:"sessionId"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
	Actor     string          `json:"actor"`
}

func decodeExecuteParams(raw json.RawMessage) (executeParams, error) {
	var p executeParams
	if err := decodeParams(raw, &p); err != nil {
		return executeParams{}, err
	}
	p.SessionID = strings.TrimSpace(p.SessionID)
	p.Action = strings.TrimSpace(p.Action)
	if p.SessionID == "" || p.Action == "" {
		return executeParams{}, errInvalidParams
	}
	return p, nil
}

func decodeSessionIDParam(raw json.RawMessage) (string, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		return "", errInvalidParams
	}
	return id, nil
}

func decodeConversationIDParam(raw json.RawMessage) (string, error) {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.ConversationID)
	if id == "" {
		return "", errInvalidParams
	}
	return id, nil
}

func decodeGetOrCreateParams(raw json.RawMessage) (string, string, error) {
	var p struct {
		PeerOrTopic string `json:"peerOrTopic"`
		Initiator   string `json:"initiator"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return "", "", err
	}
	target := strings.TrimSpace(p.PeerOrTopic)
	if target == "" {
		return "", "", errInvalidParams
	}
	return target, strings.TrimSpace(p.Initiator), nil
}

func decodeMessageSendParams(raw json.RawMessage) (string, string, error) {
	var p struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return "", "", err
	}
	id := strings.TrimSpace(p.ConversationID)
	if id == "" {
		return "", "", errInvalidParams
	}
	return id, p.Content, nil
}

func decodeMessageListParams(raw json.RawMessage) (string, int, int, error) {
	var p struct {
		ConversationID string `json:"conversationId"`
		Limit          int    `json:"limit"`
		Offset         int    `json:"offset"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return "", 0, 0, err
	}
	id := strings.TrimSpace(p.ConversationID)
	if id == "" || p.Limit < 0 || p.Offset < 0 {
		return "", 0, 0, errInvalidParams
	}
	if p.Limit > maxMessageListLimit || p.Offset > maxMessageListOffset {
		return "", 0, 0, errInvalidParams
	}
	return id, p.Limit, p.Offset, nil
}
