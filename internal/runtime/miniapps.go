package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/envelope"
	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/wallet"
	"event-chat/go-backend/pkg/models"
)

const ActionLaunch = "launch"

type LaunchResult struct {
	Session miniapp.View    `json:"session"`
	Created bool            `json:"created"`
	Message *models.Message `json:"message,omitempty"`
}

type ActionResult struct {
	Response miniapp.Response `json:"response"`
	Message  *models.Message  `json:"message,omitempty"`
}

func (s *Service) Catalog() []registry.Config {
	return s.registry.List()
}

// LaunchApp returns the live session of appID in the conversation, creating
// one when none exists. A new session announces itself with a launch
// message. When that message cannot be sent the session is still returned
// together with envelope.ErrTransport.
func (s *Service) LaunchApp(ctx context.Context, appID, conversationID, initiator string) (LaunchResult, error) {
	app, ok := s.registry.Get(appID)
	if !ok {
		return LaunchResult{}, fmt.Errorf("%w: %s", miniapp.ErrAppNotFound, appID)
	}
	actor, err := s.actor(initiator)
	if err != nil {
		return LaunchResult{}, err
	}
	conv, err := s.ledger.GetOrCreate(conversationID, actor)
	if err != nil {
		return LaunchResult{}, wrapLedgerErr(err)
	}
	session, created := s.sessions.FindOrCreate(app, conv.ID, actor)
	if !created {
		return LaunchResult{Session: session.View()}, nil
	}
	s.logInfo("miniapp.launch", session.ID, "mini-app session created",
		"app_id", app.ID,
		"conversation_id", conv.ID,
		"initiator", actor,
	)
	result := LaunchResult{Session: session.View(), Created: true}
	msg, err := s.sendResponse(ctx, conv.ID, app, launchResponse(session, app))
	if msg.ID != "" {
		result.Message = &msg
	}
	return result, err
}

func launchResponse(session *miniapp.Session, app registry.Config) miniapp.Response {
	ui := &miniapp.UISchema{Title: app.Name}
	if app.Description != "" {
		ui.Content = append(ui.Content, miniapp.Text("", app.Description))
	}
	for _, a := range app.Actions {
		ui.Actions = append(ui.Actions, miniapp.UIAction{ID: a.ID, Label: a.Name, Action: a.ID})
	}
	return miniapp.Response{
		SessionID: session.ID,
		Action:    ActionLaunch,
		Data: map[string]any{
			"appId":        app.ID,
			"participants": session.Participants(),
		},
		UI:          ui,
		NextActions: app.ActionIDs(),
	}
}

// ExecuteAction runs action in the session and posts a successful response
// into the session's conversation. Responses carrying validation errors
// are returned to the caller only.
func (s *Service) ExecuteAction(ctx context.Context, sessionID, action string, params json.RawMessage, actor string) (ActionResult, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return ActionResult{}, err
	}
	resp, err := s.dispatcher.Execute(ctx, session, action, params, actor)
	if err != nil {
		return ActionResult{}, err
	}
	result := ActionResult{Response: resp}
	if !resp.OK() {
		return result, nil
	}
	app, _ := s.registry.Get(session.AppID)
	msg, err := s.sendResponse(ctx, session.ConversationID, app, resp)
	if msg.ID != "" {
		result.Message = &msg
	}
	return result, err
}

// EndSession deactivates a session. Unknown ids are ignored.
func (s *Service) EndSession(sessionID string) {
	s.sessions.End(sessionID)
	s.logInfo("miniapp.end", sessionID, "mini-app session ended")
}

func (s *Service) GetSession(sessionID string) (miniapp.View, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return miniapp.View{}, err
	}
	return session.View(), nil
}

func (s *Service) sendResponse(ctx context.Context, conversationID string, app registry.Config, resp miniapp.Response) (models.Message, error) {
	msg, err := s.envelopes.SendResponse(ctx, conversationID, app, resp)
	s.observeEnvelope(msg)
	if err != nil {
		s.logWarn("envelope.send", resp.SessionID, "mini-app response not delivered",
			"action", resp.Action,
			"error", err.Error(),
		)
	}
	return msg, err
}

func (s *Service) observeEnvelope(msg models.Message) {
	if msg.ID == "" {
		return
	}
	s.metrics.ObserveEnvelope(msg.Type, msg.DeliveryStatus)
}

// actor normalizes an address, defaulting to the local identity.
func (s *Service) actor(raw string) (string, error) {
	if raw == "" {
		return s.identity, nil
	}
	addr, err := wallet.NormalizeAddress(raw)
	if err != nil {
		return "", miniapp.Invalid("actor", "%v", err)
	}
	return addr, nil
}

// IsTransportError reports whether err came from a failed send.
func IsTransportError(err error) bool {
	return errors.Is(err, envelope.ErrTransport)
}
