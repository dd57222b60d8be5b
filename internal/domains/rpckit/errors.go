package rpckit

// JSON-RPC 2.0 error codes used by the keeper command surface. Command
// failures are reported in the result body; these cover protocol faults.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeUnavailable    = -32099
	CodeRateLimited    = -32029
	CodeVersionTooNew  = -32080
	CodeVersionTooOld  = -32081
)

// Error is a transport-level RPC error that can be mapped by the caller
// to a concrete wire format (e.g. JSON-RPC error object).
type Error struct {
	Code    int
	Message string
}

func MethodNotFound() *Error {
	return &Error{Code: CodeMethodNotFound, Message: "method not found"}
}

func Unavailable(msg string) *Error {
	return &Error{Code: CodeUnavailable, Message: msg}
}

func ServiceError(code int, err error) *Error {
	return &Error{Code: code, Message: err.Error()}
}
