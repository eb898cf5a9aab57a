package middleware

import (
	"context"
	"net/http"

	apiContext "hookrelay/internal/api/context"
	"hookrelay/internal/platform/auth"
)

func contextWithClaims(r *http.Request, claims *auth.Claims) context.Context {
	return context.WithValue(r.Context(), apiContext.Claims, claims)
}
