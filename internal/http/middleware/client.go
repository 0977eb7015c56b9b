package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

// WithClientID stores the worker client id on ctx
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}

// ClientID returns the id stored by WithClientID
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(ClientIDKey).(string)
	return id
}

// RequireClient rejects requests that carry no client id
func RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ClientID(r.Context()) == "" {
			http.Error(w, "no client session", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
