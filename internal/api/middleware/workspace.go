package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	apiContext "hookrelay/internal/api/context"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/auth"
)

// Workspace is the tenant a request acts on, taken from the caller's token.
type Workspace struct {
	ID     string
	UserID string
	Role   string
}

// WorkspaceMiddleware scopes a request to the workspace in its claims and
// records the caller's address for audit entries written while serving it.
type WorkspaceMiddleware struct {
	trustForwarded bool
}

func NewWorkspaceMiddleware(trustForwarded bool) *WorkspaceMiddleware {
	return &WorkspaceMiddleware{trustForwarded: trustForwarded}
}

func (m *WorkspaceMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
		if !ok {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
			return
		}
		if claims.WorkspaceID == "" {
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Token is not bound to a workspace", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Workspace, &Workspace{
			ID:     claims.WorkspaceID,
			UserID: claims.UserID,
			Role:   claims.Role,
		})
		ctx = audit.WithRequestMeta(ctx, audit.RequestMeta{
			IPAddress: m.clientIP(r),
			UserAgent: r.UserAgent(),
		})

		next(w, r.WithContext(ctx))
	}
}

func (m *WorkspaceMiddleware) clientIP(r *http.Request) string {
	if m.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WorkspaceFrom returns the workspace stored by WorkspaceMiddleware.
func WorkspaceFrom(ctx context.Context) (*Workspace, bool) {
	ws, ok := ctx.Value(apiContext.Workspace).(*Workspace)
	return ws, ok
}
