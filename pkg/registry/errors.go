package registry

import "fmt"

// ErrorCode is a registered error kind. The zero value is ErrOK.
type ErrorCode int32

// Built-in error codes, registered first by every Builder in this order.
const (
	ErrOK ErrorCode = iota
	ErrNetworkFailure
	ErrTimeout
	ErrCancelled
	ErrForwardToOthers
	ErrHandlerNotFound
	ErrUnknownCode
	ErrFileOperationFailed
	ErrInvalidParameters
	ErrObjectNotFound
	ErrNodeAlreadyExist
	ErrInvalidState
	builtinErrors
)

var builtinErrorNames = [...]string{
	"ERR_OK",
	"ERR_NETWORK_FAILURE",
	"ERR_TIMEOUT",
	"ERR_CANCELLED",
	"ERR_FORWARD_TO_OTHERS",
	"ERR_HANDLER_NOT_FOUND",
	"ERR_UNKNOWN_CODE",
	"ERR_FILE_OPERATION_FAILED",
	"ERR_INVALID_PARAMETERS",
	"ERR_OBJECT_NOT_FOUND",
	"ERR_NODE_ALREADY_EXIST",
	"ERR_INVALID_STATE",
}

// Error implements error. Codes registered by applications only know their
// name through a Table; they print as ERR_<n> here.
func (e ErrorCode) Error() string {
	if e >= 0 && int(e) < len(builtinErrorNames) {
		return builtinErrorNames[e]
	}
	return fmt.Sprintf("ERR_%d", int32(e))
}

// Err returns nil for ErrOK and e otherwise, for APIs returning a plain error.
func (e ErrorCode) Err() error {
	if e == ErrOK {
		return nil
	}
	return e
}

// OK reports whether e is ErrOK.
func (e ErrorCode) OK() bool { return e == ErrOK }
