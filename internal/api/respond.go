package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/hackgods/booking-engine/internal/auth"
	"github.com/hackgods/booking-engine/internal/booking"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, kind booking.Kind, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Kind: string(kind), Details: details})
}

func statusFor(kind booking.Kind) int {
	switch kind {
	case booking.KindInvalid, booking.KindPrecondition:
		return http.StatusBadRequest
	case booking.KindUnauthenticated:
		return http.StatusUnauthorized
	case booking.KindForbidden:
		return http.StatusForbidden
	case booking.KindNotFound:
		return http.StatusNotFound
	case booking.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError maps a service error to its HTTP status. Internal
// errors are logged and their details withheld from the client.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var be *booking.Error
	if errors.As(err, &be) {
		writeError(w, statusFor(be.Kind), be.Code, be.Kind, be.Message)
		return
	}

	zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", booking.KindInternal, "internal server error")
}

// handleAuthError answers requests whose token failed validation.
func handleAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	details := "invalid token"
	if errors.Is(err, auth.ErrMissingToken) {
		details = "authentication required"
	}
	writeError(w, http.StatusUnauthorized, "invalid_token", booking.KindUnauthenticated, details)
}

// Unauthenticated writes the 401 body for a request that reached an
// authenticated route without an actor.
func Unauthenticated(w http.ResponseWriter, r *http.Request) {
	handleServiceError(w, r, booking.ErrNotAuthenticated)
}

// requireActor stops anonymous requests the authenticator let through.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.ActorFrom(r.Context()) == nil {
			Unauthenticated(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		writeError(w, http.StatusBadRequest, "validation_failed", booking.KindInvalid,
			fe.Field()+" failed "+fe.Tag()+" validation")
		return
	}
	writeError(w, http.StatusBadRequest, "validation_failed", booking.KindInvalid, err.Error())
}
