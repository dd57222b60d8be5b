package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"eblusha/keeper/internal/domains/rpckit"
)

const commandTimeout = 10 * time.Second

type methodHandler func(ctx context.Context, params json.RawMessage) (any, *rpcError)

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"health_check":              s.rpcHealthCheck,
		"rpc.version":               s.rpcVersion,
		"credentials.update":        s.rpcUpdateCredentials,
		"presence.setFocus":         s.rpcSetFocus,
		"call.showIncoming":         s.rpcShowIncomingCall,
		"call.closeIncoming":        s.rpcCloseIncomingCall,
		"call.accept":               s.rpcAcceptCall,
		"call.decline":              s.rpcDeclineCall,
		"notifications.showMessage": s.rpcShowMessage,
		"notifications.cancel":      s.rpcCancelNotifications,
		"notifications.clear":       s.rpcClearNotifications,
		"keeper.status":             s.rpcStatus,
	}
}

func (s *Server) dispatchRPC(r *http.Request, method string, params json.RawMessage) (any, *rpcError) {
	h, ok := s.methods()[method]
	if !ok {
		return nil, toRPCError(rpckit.MethodNotFound())
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	return h(ctx, params)
}

func (s *Server) rpcHealthCheck(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	if err := s.service.HealthCheck(ctx); err != nil {
		return commandFailed(err), nil
	}
	return commandOK(map[string]string{"status": "ok"}), nil
}

func (s *Server) rpcVersion(context.Context, json.RawMessage) (any, *rpcError) {
	return rpcVersionInfo(), nil
}

func (s *Server) rpcUpdateCredentials(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	update, err := decodeCredentialsParams(params)
	if err != nil {
		return commandInvalidParams(err), nil
	}
	return commandFrom(nil, s.service.UpdateCredentials(ctx, update)), nil
}

func (s *Server) rpcSetFocus(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	focused, err := decodeFocusParams(params)
	if err != nil {
		return commandInvalidParams(err), nil
	}
	return commandFrom(nil, s.service.SetPresenceFocus(ctx, focused)), nil
}

func (s *Server) rpcShowIncomingCall(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	call, err := decodeIncomingCallParams(params)
	if err != nil {
		return commandInvalidParams(err), nil
	}
	result, err := s.service.ShowIncomingCall(ctx, call)
	return commandFrom(map[string]string{"result": result}, err), nil
}

func (s *Server) rpcCloseIncomingCall(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	return commandFrom(nil, s.service.CloseIncomingCall(ctx)), nil
}

func (s *Server) rpcAcceptCall(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	video, err := decodeVideoParams(params)
	if err != nil {
		return commandInvalidParams(err), nil
	}
	session, err := s.service.AcceptCall(ctx, video)
	return commandFrom(session, err), nil
}

func (s *Server) rpcDeclineCall(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	session, err := s.service.DeclineCall(ctx)
	return commandFrom(session, err), nil
}

func (s *Server) rpcShowMessage(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	msg, err := decodeMessageParams(params)
	if err != nil {
		return commandInvalidParams(err), nil
	}
	id, err := s.service.ShowMessage(ctx, msg)
	return commandFrom(map[string]int32{"id": id}, err), nil
}

func (s *Server) rpcCancelNotifications(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	ids, err := decodeIDsParams(params)
	if err != nil {
		return commandInvalidParams(err), nil
	}
	return commandFrom(nil, s.service.CancelNotifications(ctx, ids)), nil
}

func (s *Server) rpcClearNotifications(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	return commandFrom(nil, s.service.ClearNotifications(ctx)), nil
}

func (s *Server) rpcStatus(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	status, err := s.service.Status(ctx)
	return commandFrom(status, err), nil
}
