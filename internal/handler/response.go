package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/node"
	"github.com/efreitasn/cryptoexchange/internal/service"
)

// UserHeader carries the authenticated user id, set by the gateway in
// front of the exchange.
const UserHeader = "X-User-ID"

const timeFormat = "2006-01-02T15:04:05Z"

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// ParseJSON decodes the request body as JSON into v.
// It validates that the Content-Type header is application/json and
// returns an error for missing/incorrect content type or malformed JSON.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	return nil
}

// errorStatus maps sentinels to HTTP status codes. The sentinel text is
// the error code. More specific sentinels come first.
var errorStatus = []struct {
	err    error
	status int
}{
	{domain.ErrOrderNotFound, http.StatusNotFound},
	{domain.ErrMarketNotFound, http.StatusNotFound},
	{domain.ErrAddressNotFound, http.StatusNotFound},
	{domain.ErrNodeNotFound, http.StatusNotFound},
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrInsufficientFunds, http.StatusConflict},
	{domain.ErrAlreadyFilled, http.StatusConflict},
	{domain.ErrAlreadyCancelled, http.StatusConflict},
	{domain.ErrWouldCross, http.StatusConflict},
	{domain.ErrAddressExists, http.StatusConflict},
	{domain.ErrNodeUnreachable, http.StatusBadGateway},
	{domain.ErrMalformedResponse, http.StatusBadGateway},
}

// WriteDomainError maps an error returned by a service to an HTTP response.
func WriteDomainError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		code := "validation_error"
		if errors.Is(err, domain.ErrInvalidOrder) {
			code = domain.ErrInvalidOrder.Error()
		}
		WriteError(w, http.StatusBadRequest, code, validationErr.Message)
		return
	}

	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			WriteError(w, e.status, e.err.Error(), err.Error())
			return
		}
	}

	var rpcErr *node.RPCError
	if errors.As(err, &rpcErr) {
		WriteError(w, http.StatusBadGateway, "node_error", rpcErr.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
}

// userID returns the caller's user id, or writes 401 and returns false.
// Malformed ids and the fee account never authenticate.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		WriteError(w, http.StatusUnauthorized, "unauthorized", UserHeader+" header is required")
		return "", false
	}
	if !service.ValidOwner(id) {
		WriteError(w, http.StatusUnauthorized, "unauthorized", UserHeader+" header is not a valid user id")
		return "", false
	}
	return id, true
}
