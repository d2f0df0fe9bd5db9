package server

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/ierr"
)

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

// writeError answers with the ierr code mapped to an HTTP status. Errors that
// are not ierr.Error are logged and reported as internal.
func writeError(logger *zap.Logger, w http.ResponseWriter, err error) {
	var e ierr.Error
	if !errors.As(err, &e) {
		logger.Error("unexpected error", zap.Error(err))
		e = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	if writeErr := writeJSON(w, e.Code.HTTPStatus(), e); writeErr != nil {
		logger.Warn("failed to write error response", zap.Error(writeErr))
	}
}

func clientIp(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}

	return token, true
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
