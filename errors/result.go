package errors

import (
	"context"
	goerrors "errors"
	"fmt"

	"github.com/docker/distribution/registry/api/errcode"
)

// VirtualBox result code names, as reported by the automation API and
// printed by VBoxManage in its "Details: code ..." lines.
const (
	ResultObjectNotFound      = "VBOX_E_OBJECT_NOT_FOUND"
	ResultInvalidVMState      = "VBOX_E_INVALID_VM_STATE"
	ResultVMError             = "VBOX_E_VM_ERROR"
	ResultFileError           = "VBOX_E_FILE_ERROR"
	ResultIprtError           = "VBOX_E_IPRT_ERROR"
	ResultInvalidObjectState  = "VBOX_E_INVALID_OBJECT_STATE"
	ResultInvalidSessionState = "VBOX_E_INVALID_SESSION_STATE"
	ResultObjectInUse         = "VBOX_E_OBJECT_IN_USE"
	ResultNotSupported        = "VBOX_E_NOT_SUPPORTED"
	ResultInvalidArg          = "E_INVALIDARG"
	ResultAccessDenied        = "E_ACCESSDENIED"
	ResultFail                = "E_FAIL"
)

// ResultError is a failure reported by the virtualization platform. Drivers
// return it untranslated; the facade maps it onto the taxonomy.
type ResultError struct {
	Code string
	Text string
}

func (e *ResultError) Error() string {
	if e.Code == "" {
		return e.Text
	}
	return fmt.Sprintf("%s (%s)", e.Text, e.Code)
}

// NewResult builds a platform failure with a formatted message.
func NewResult(code, format string, args ...interface{}) *ResultError {
	return &ResultError{Code: code, Text: fmt.Sprintf(format, args...)}
}

var resultCodes = map[string]errcode.ErrorCode{
	ResultObjectNotFound:      ErrObjectNotFound,
	ResultInvalidVMState:      ErrInvalidVMState,
	ResultInvalidSessionState: ErrInvalidSessionState,
	ResultInvalidObjectState:  ErrInvalidSessionState,
	ResultFileError:           ErrFileNotFound,
	ResultObjectInUse:         ErrObjectNotUnique,
}

// Translate maps err onto the govbox taxonomy. Errors already carrying an
// error code are returned as is; nil stays nil.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var coded errcode.ErrorCoder
	if goerrors.As(err, &coded) {
		return err
	}
	if goerrors.Is(err, context.DeadlineExceeded) {
		e := ErrWaitTimeout.WithArgs(err)
		e.Detail = err
		return e
	}
	var re *ResultError
	if goerrors.As(err, &re) {
		code, ok := resultCodes[re.Code]
		if !ok {
			code = ErrorCodeCommon
		}
		e := code.WithArgs(re.Text)
		e.Detail = re
		return e
	}
	e := ErrorCodeCommon.WithArgs(err)
	e.Detail = err
	return e
}

// Is reports whether err carries the given error code.
func Is(err error, code errcode.ErrorCode) bool {
	var coded errcode.ErrorCoder
	if !goerrors.As(err, &coded) {
		return false
	}
	return coded.ErrorCode() == code
}

// ResultCode returns the platform result code behind err, if any.
func ResultCode(err error) string {
	var re *ResultError
	if goerrors.As(err, &re) {
		return re.Code
	}
	if e, ok := err.(errcode.Error); ok {
		if re, ok := e.Detail.(*ResultError); ok {
			return re.Code
		}
	}
	return ""
}
