package media

import (
	"errors"
	"fmt"
)

// Sentinel errors for sequencing invariant violations. These indicate
// programming or input inconsistencies that are never retried; callers
// distinguish them with errors.Is.
var (
	ErrTrackCountChanged = errors.New("media: track count changed between sequence items")
	ErrMissingTrack      = errors.New("media: preceding item does not contain a track of this type")
	ErrDuplicateListener = errors.New("media: a listener is already registered for this track type")
)

// ErrorCode identifies the failure domain of an ExportError.
type ErrorCode int

const (
	ErrorCodeUnspecified ErrorCode = iota
	ErrorCodeMuxingFailed
	ErrorCodeOutputFormatUnsupported
	ErrorCodeLoaderFailed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeMuxingFailed:
		return "muxing failed"
	case ErrorCodeOutputFormatUnsupported:
		return "output format unsupported"
	case ErrorCodeLoaderFailed:
		return "loader failed"
	default:
		return "unspecified"
	}
}

// ExportError wraps a failure from the muxing sink or an asset loader with
// an error code, so callers can react to the failure domain without
// inspecting the underlying error.
type ExportError struct {
	Code ErrorCode
	Err  error
}

// NewExportError wraps err with the given code. If err is already an
// ExportError it is returned unchanged so codes assigned close to the
// failure are not overwritten.
func NewExportError(code ErrorCode, err error) *ExportError {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExportError{Code: code, Err: err}
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("media: %s: %v", e.Code, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the error code from err's chain, or
// ErrorCodeUnspecified when err carries no ExportError.
func CodeOf(err error) ErrorCode {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrorCodeUnspecified
}
