package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/spf13/viper"
)

// WorkerAuth gates the processing entry point behind a shared secret
// header. The external scheduler is the only expected caller.
func WorkerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := viper.GetString("worker.secret")
		if secret == "" {
			http.Error(w, "Worker endpoint not configured", http.StatusServiceUnavailable)
			return
		}

		got := r.Header.Get("X-Worker-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
