package rpc

import (
	"bytes"
	"encoding/json"
	"strings"

	"eblusha/keeper/internal/domains/contracts"
)

// decodeParams accepts either an object or a single-element array holding
// that object.
func decodeParams(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) > 1 {
			return errInvalidParams
		}
		if len(arr) == 0 {
			return nil
		}
		trimmed = arr[0]
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return errInvalidParams
	}
	return nil
}

func decodeCredentialsParams(raw json.RawMessage) (contracts.CredentialsUpdate, error) {
	var p struct {
		Token        *string `json:"token"`
		AccessToken  *string `json:"accessToken"`
		RefreshToken string  `json:"refreshToken"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return contracts.CredentialsUpdate{}, err
	}
	var access string
	switch {
	case p.Token != nil:
		access = *p.Token
	case p.AccessToken != nil:
		access = *p.AccessToken
	default:
		return contracts.CredentialsUpdate{}, errInvalidParams
	}
	return contracts.CredentialsUpdate{
		AccessToken:  strings.TrimSpace(access),
		RefreshToken: strings.TrimSpace(p.RefreshToken),
	}, nil
}

func decodeFocusParams(raw json.RawMessage) (bool, error) {
	var p struct {
		Focused *bool `json:"focused"`
	}
	if err := decodeParams(raw, &p); err != nil || p.Focused == nil {
		return false, errInvalidParams
	}
	return *p.Focused, nil
}

func decodeIncomingCallParams(raw json.RawMessage) (contracts.IncomingCall, error) {
	var p contracts.IncomingCall
	if err := decodeParams(raw, &p); err != nil {
		return contracts.IncomingCall{}, err
	}
	return p, nil
}

func decodeVideoParams(raw json.RawMessage) (bool, error) {
	var p struct {
		Video bool `json:"video"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return false, err
	}
	return p.Video, nil
}

func decodeMessageParams(raw json.RawMessage) (contracts.MessageNotification, error) {
	var p contracts.MessageNotification
	if err := decodeParams(raw, &p); err != nil {
		return contracts.MessageNotification{}, err
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return contracts.MessageNotification{}, errInvalidParams
	}
	return p, nil
}

func decodeIDsParams(raw json.RawMessage) ([]int32, error) {
	var p struct {
		IDs []int32 `json:"ids"`
	}
	if err := decodeParams(raw, &p); err != nil || p.IDs == nil {
		return nil, errInvalidParams
	}
	return p.IDs, nil
}
