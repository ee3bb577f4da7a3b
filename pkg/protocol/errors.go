package protocol

import "errors"

// ErrorCode maps a decode or sequence error to the code sent in an ERROR reply
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrChecksum):
		return CodeChecksum
	case errors.Is(err, ErrIncompatibleVersion):
		return CodeVersion
	case errors.Is(err, ErrSequenceGap):
		return CodeSequenceGap
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	default:
		return CodeMalformed
	}
}

// IsProtocolError reports whether err is one of the codec's validation errors
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrChecksum) ||
		errors.Is(err, ErrIncompatibleVersion) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrSequenceGap)
}
