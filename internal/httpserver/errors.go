package httpserver

import (
	"net/http"

	"chatcore-backend/internal/apperr"
)

type ErrorCode string

const (
	ErrCodeValidation       ErrorCode = ErrorCode(apperr.KindValidation)
	ErrCodeNotFound         ErrorCode = ErrorCode(apperr.KindNotFound)
	ErrCodeConflict         ErrorCode = ErrorCode(apperr.KindConflict)
	ErrCodePermission       ErrorCode = ErrorCode(apperr.KindPermission)
	ErrCodeTransient        ErrorCode = ErrorCode(apperr.KindTransient)
	ErrCodeIntegrity        ErrorCode = ErrorCode(apperr.KindIntegrity)
	ErrCodeInternal         ErrorCode = ErrorCode(apperr.KindInternal)
	ErrCodeUnauthenticated  ErrorCode = "unauthenticated"
	ErrCodeMethodNotAllowed ErrorCode = "method_not_allowed"
	ErrCodePayloadTooLarge  ErrorCode = "payload_too_large"
)

var errorHTTPStatus = map[ErrorCode]int{
	ErrCodeValidation:       http.StatusBadRequest,
	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeConflict:         http.StatusConflict,
	ErrCodePermission:       http.StatusForbidden,
	ErrCodeTransient:        http.StatusServiceUnavailable,
	ErrCodeIntegrity:        http.StatusInternalServerError,
	ErrCodeInternal:         http.StatusInternalServerError,
	ErrCodeUnauthenticated:  http.StatusUnauthorized,
	ErrCodeMethodNotAllowed: http.StatusMethodNotAllowed,
	ErrCodePayloadTooLarge:  http.StatusRequestEntityTooLarge,
}

func httpStatusForCode(code ErrorCode) int {
	if status, ok := errorHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
