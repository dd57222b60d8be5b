package rpc

import (
	"errors"

	"eblusha/keeper/internal/domains/contracts"
	"eblusha/keeper/internal/domains/rpckit"
)

var errInvalidParams = errors.New("invalid params")

func toRPCError(e *rpckit.Error) *rpcError {
	if e == nil {
		return nil
	}
	return &rpcError{Code: e.Code, Message: e.Message}
}

// commandResult is the body every host command answers with. Failures of
// the keeper itself never become JSON-RPC errors.
type commandResult struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
	Data     any    `json:"data,omitempty"`
}

func commandOK(data any) commandResult {
	return commandResult{Success: true, Data: data}
}

func commandFailed(err error) commandResult {
	return commandResult{
		Success:  false,
		Error:    err.Error(),
		Category: contracts.ErrorCategory(err),
	}
}

// commandInvalidParams reports params a command could not decode as a
// payload failure, like any other rejected command input.
func commandInvalidParams(err error) commandResult {
	return commandFailed(contracts.WrapCategorizedError(contracts.ErrorCategoryPayload, err))
}

func commandFrom(data any, err error) commandResult {
	if err != nil {
		return commandFailed(err)
	}
	return commandOK(data)
}
