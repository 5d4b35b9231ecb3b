package errors

import (
	"net/http"

	"github.com/docker/distribution/registry/api/errcode"
)

const errGroup = "govbox"

var (
	ErrorCodeCommon = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "COMMONERROR",
		Message:        "%v",
		HTTPStatusCode: http.StatusInternalServerError,
	})

	ErrObjectNotFound = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "VBOX_OBJECT_NOT_FOUND",
		Message:        "object not found: %v",
		HTTPStatusCode: http.StatusNotFound,
	})

	ErrObjectNotUnique = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "VBOX_OBJECT_NOT_UNIQUE",
		Message:        "object not unique: %v",
		HTTPStatusCode: http.StatusConflict,
	})

	ErrInvalidVMState = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "VBOX_INVALID_VM_STATE",
		Message:        "invalid VM state: %v",
		HTTPStatusCode: http.StatusPreconditionFailed,
	})

	ErrInvalidSessionState = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "VBOX_INVALID_SESSION_STATE",
		Message:        "invalid session state: %v",
		HTTPStatusCode: http.StatusPreconditionFailed,
	})

	ErrFileNotFound = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "VBOX_FILE_NOT_FOUND",
		Message:        "file not found: %v",
		HTTPStatusCode: http.StatusNotFound,
	})
)

var ErrWaitTimeout = errcode.Register(errGroup, errcode.ErrorDescriptor{
	Value:          "VBOX_WAIT_TIMEOUT",
	Message:        "timed out waiting for %v",
	HTTPStatusCode: http.StatusGatewayTimeout,
})
