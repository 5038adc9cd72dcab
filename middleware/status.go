package middleware

import (
	"net/http"

	"github.com/MrEthical07/fedauth"
)

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch fedauth.KindOf(err) {
	case fedauth.KindNone:
		return http.StatusOK
	case fedauth.KindValidation:
		return http.StatusBadRequest
	case fedauth.KindNotFound:
		return http.StatusNotFound
	case fedauth.KindInvalidCredentials, fedauth.KindTokenExpired, fedauth.KindTokenInvalid:
		return http.StatusUnauthorized
	case fedauth.KindLocked:
		return http.StatusForbidden
	case fedauth.KindMaxDuplicates:
		return http.StatusConflict
	case fedauth.KindNoVerifiedDestination:
		return http.StatusUnprocessableEntity
	case fedauth.KindRateLimited:
		return http.StatusTooManyRequests
	case fedauth.KindUnavailable:
		return http.StatusServiceUnavailable
	case fedauth.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
