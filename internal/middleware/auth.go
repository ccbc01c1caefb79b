package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/auth"
)

// ServiceAuth only lets requests through that carry a valid Payment service token
func ServiceAuth(secret string, log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeEnvelope(w, http.StatusUnauthorized, "Missing service token", "unauthorized")
				return
			}
			if err := auth.VerifyServiceToken(secret, token); err != nil {
				log.WithError(err).WithField("path", r.URL.Path).Warn("Rejected service token")
				writeEnvelope(w, http.StatusUnauthorized, "Invalid service token", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
