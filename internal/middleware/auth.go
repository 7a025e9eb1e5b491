package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"yt-librarian/internal/store"
)

type contextKey string

// TokenContextKey is the key for the authenticated API token in the context.
const TokenContextKey = contextKey("token")

// Auth validates the bearer token against the store and attaches the token
// row to the request context.
func Auth(st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header is required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "Authorization header format must be 'Bearer <token>'", http.StatusUnauthorized)
				return
			}

			token, err := st.GetTokenByValue(parts[1])
			if err != nil {
				log.Printf("Invalid API token: %v", err)
				http.Error(w, "Invalid API token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), TokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
