package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/authz"
)

type contextKey string

const identityKey contextKey = "caller_identity"

// CallerIdentity middleware extracts the calling AE title from the
// X-Calling-AET header, so web callers go through the same authorization
// rules as DIMSE associations.
func CallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aeTitle := r.Header.Get("X-Calling-AET")
		if aeTitle == "" {
			log.Warn().Str("path", r.URL.Path).Msg("Missing X-Calling-AET header")
			http.Error(w, "X-Calling-AET header is required", http.StatusBadRequest)
			return
		}
		if len(aeTitle) > 16 {
			log.Warn().Str("calling_aet", aeTitle).Msg("Invalid calling AE title")
			http.Error(w, "Invalid X-Calling-AET format", http.StatusBadRequest)
			return
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		identity := authz.Identity{CallingAETitle: aeTitle, Host: host}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentity extracts the caller identity from context.
func GetIdentity(ctx context.Context) (authz.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(authz.Identity)
	return identity, ok
}
