package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Super-Protocol/price-proxy/internal/model"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	var (
		notFound    *model.PriceNotFoundError
		unauth      *model.UnauthorizedError
		rateLimited *model.RateLimitedError
		batch       *model.BatchSizeExceededError
		srcAPI      *model.SourceAPIError
		timeout     *model.TimeoutError
		unsupported *model.SourceUnsupportedError
		disabled    *model.SourceDisabledError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &unauth):
		return http.StatusUnauthorized
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &batch):
		return http.StatusBadRequest
	case errors.As(err, &timeout):
		return http.StatusRequestTimeout
	case errors.As(err, &unsupported):
		return http.StatusBadRequest
	case errors.As(err, &disabled):
		return http.StatusNotFound
	case errors.As(err, &srcAPI):
		if srcAPI.StatusCode >= 500 || srcAPI.StatusCode == 0 {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{
		Error:  model.ErrorType(err),
		Detail: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
