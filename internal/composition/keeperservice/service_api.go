package keeperservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"eblusha/keeper/internal/callalert"
	"eblusha/keeper/internal/credstore"
	"eblusha/keeper/internal/domains/contracts"
	"eblusha/keeper/internal/notify"
)

var errConversationRequired = errors.New("conversation id is required")

// UpdateCredentials persists the credential before handing it to the
// connection manager, so a later health check never rolls it back.
func (s *Service) UpdateCredentials(ctx context.Context, update contracts.CredentialsUpdate) error {
	cred, err := credstore.Save(ctx, s.store, strings.TrimSpace(update.AccessToken), strings.TrimSpace(update.RefreshToken))
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, "credentials.update", "n/a")
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("save credential: %w", err))
	}
	if err := s.manager.UpdateCredential(ctx, cred); err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryTransport, err, "credentials.update", "n/a")
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	s.logInfo("credentials.update", "n/a", "credential updated",
		"credential_version", cred.Version,
		"has_credential", !cred.Empty(),
	)
	return nil
}

func (s *Service) SetPresenceFocus(ctx context.Context, focused bool) error {
	if err := s.manager.SetPresenceFocus(ctx, focused); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	return nil
}

// ShowIncomingCall lets the host raise the incoming call surface itself, for
// example from a push delivered outside the socket. It returns the session id.
func (s *Service) ShowIncomingCall(ctx context.Context, call contracts.IncomingCall) (string, error) {
	in := callalert.Incoming{
		ConversationID: call.ConversationID,
		CallerID:       call.CallerID,
		CallerName:     call.CallerName,
		IsVideo:        call.IsVideo,
		AvatarRef:      call.AvatarURL,
	}
	var (
		result  callalert.Result
		session callalert.Session
	)
	if err := s.loop.Do(ctx, func() {
		result = s.calls.OnIncoming(in)
		session, _ = s.calls.Active()
	}); err != nil {
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	switch result {
	case callalert.ResultBusy:
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryBusy, contracts.ErrBusy)
	case callalert.ResultInvalid:
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryPayload, errConversationRequired)
	}
	s.logInfo("call.showIncoming", callCorrelationID(session.ConversationID, session.ID), "incoming call shown by host")
	return session.ID, nil
}

func (s *Service) CloseIncomingCall(ctx context.Context) error {
	if err := s.loop.Do(ctx, s.calls.Close); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	return nil
}

func (s *Service) AcceptCall(ctx context.Context, video bool) (contracts.CallSession, error) {
	var (
		session callalert.Session
		callErr error
	)
	if err := s.loop.Do(ctx, func() { session, callErr = s.calls.Accept(video) }); err != nil {
		return contracts.CallSession{}, contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	if callErr != nil {
		return contracts.CallSession{}, contracts.WrapCategorizedError(contracts.ErrorCategoryPayload, callErr)
	}
	return toCallSession(session), nil
}

func (s *Service) DeclineCall(ctx context.Context) (contracts.CallSession, error) {
	var (
		session callalert.Session
		callErr error
	)
	if err := s.loop.Do(ctx, func() { session, callErr = s.calls.Decline() }); err != nil {
		return contracts.CallSession{}, contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	if callErr != nil {
		return contracts.CallSession{}, contracts.WrapCategorizedError(contracts.ErrorCategoryPayload, callErr)
	}
	return toCallSession(session), nil
}

func (s *Service) ShowMessage(ctx context.Context, msg contracts.MessageNotification) (int32, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return 0, contracts.WrapCategorizedError(contracts.ErrorCategoryPayload, errConversationRequired)
	}
	alert := notify.MessageAlert{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		SenderName:     msg.SenderName,
		Body:           msg.Body,
		AvatarRef:      msg.AvatarURL,
	}
	var (
		id      int32
		showErr error
	)
	if err := s.loop.Do(ctx, func() { id, showErr = s.presenter.ShowMessage(alert) }); err != nil {
		return 0, contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	if showErr != nil {
		category := contracts.ErrorCategoryResource
		if errors.Is(showErr, notify.ErrReservedSlot) {
			category = contracts.ErrorCategoryPayload
		}
		s.recordErrorWithContext(category, showErr, "notifications.showMessage",
			messageCorrelationID(msg.MessageID, msg.ConversationID))
		return 0, contracts.WrapCategorizedError(category, showErr)
	}
	return id, nil
}

func (s *Service) CancelNotifications(ctx context.Context, ids []int32) error {
	var cancelErr error
	if err := s.loop.Do(ctx, func() { cancelErr = s.presenter.Cancel(ids) }); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	if cancelErr != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryResource, cancelErr)
	}
	return nil
}

func (s *Service) ClearNotifications(ctx context.Context) error {
	var clearErr error
	if err := s.loop.Do(ctx, func() { clearErr = s.presenter.ClearAll() }); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	if clearErr != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryResource, clearErr)
	}
	return nil
}

func toCallSession(s callalert.Session) contracts.CallSession {
	return contracts.CallSession{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		CallerName:     s.CallerName,
		IsVideo:        s.IsVideo,
		State:          string(s.State),
		CreatedAt:      s.CreatedAt,
		AcceptedVideo:  s.AcceptedVideo,
	}
}

func callSessionPtr(s *callalert.Session) *contracts.CallSession {
	if s == nil {
		return nil
	}
	out := toCallSession(*s)
	return &out
}
