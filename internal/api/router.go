package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "hookrelay/internal/api/context"
	"hookrelay/internal/api/handlers"
	"hookrelay/internal/api/middleware"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/auth"
)

type Dependencies struct {
	WebhookHandler  *handlers.WebhookHandler
	SecretHandler   *handlers.SecretHandler
	DeliveryHandler *handlers.DeliveryHandler
	EventHandler    *handlers.EventHandler
	AuditHandler    *handlers.AuditHandler
	HealthHandler   *handlers.HealthHandler
	MetricsHandler  http.HandlerFunc

	AuthMiddleware      *middleware.AuthMiddleware
	WorkspaceMiddleware *middleware.WorkspaceMiddleware
	EventRateLimiter    *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(deps.HealthHandler.Check))
	if deps.MetricsHandler != nil {
		router.GET("/metrics", wrap(deps.MetricsHandler))
	}

	authMid := deps.AuthMiddleware.Handle
	wsMid := deps.WorkspaceMiddleware.Handle
	manage := requireRole(auth.RoleOwner, auth.RoleAdmin)
	read := requireRole(auth.RoleOwner, auth.RoleAdmin, auth.RoleMember)

	// Webhook registry
	wh := deps.WebhookHandler
	router.POST("/api/v1/webhooks", chain(wh.Create, authMid, wsMid, manage))
	router.GET("/api/v1/webhooks", chain(wh.List, authMid, wsMid, read))
	router.GET("/api/v1/webhooks/:webhook_id", chain(wh.Get, authMid, wsMid, read))
	router.PATCH("/api/v1/webhooks/:webhook_id", chain(wh.Update, authMid, wsMid, manage))
	router.DELETE("/api/v1/webhooks/:webhook_id", chain(wh.Delete, authMid, wsMid, manage))
	router.POST("/api/v1/webhooks/:webhook_id/activate", chain(wh.Activate, authMid, wsMid, manage))
	router.POST("/api/v1/webhooks/:webhook_id/deactivate", chain(wh.Deactivate, authMid, wsMid, manage))
	router.POST("/api/v1/webhooks/:webhook_id/test", chain(wh.Test, authMid, wsMid, manage))

	// Signing secrets
	sh := deps.SecretHandler
	router.POST("/api/v1/webhooks/:webhook_id/rotate-secret", chain(sh.Rotate, authMid, wsMid, manage))
	router.GET("/api/v1/webhooks/:webhook_id/secrets", chain(sh.List, authMid, wsMid, manage))
	router.DELETE("/api/v1/webhooks/:webhook_id/secrets/:secret_id", chain(sh.Revoke, authMid, wsMid, manage))
	router.POST("/api/v1/webhooks/:webhook_id/verify", chain(sh.Verify, authMid, wsMid, read))

	// Delivery log
	dh := deps.DeliveryHandler
	router.GET("/api/v1/webhooks/:webhook_id/deliveries", chain(dh.List, authMid, wsMid, read))
	router.GET("/api/v1/webhooks/:webhook_id/health", chain(dh.Health, authMid, wsMid, read))
	router.GET("/api/v1/deliveries/:delivery_id", chain(dh.Get, authMid, wsMid, read))
	router.POST("/api/v1/deliveries/:delivery_id/replay", chain(dh.Replay, authMid, wsMid, manage))

	router.GET("/api/v1/audit-logs", chain(deps.AuditHandler.List, authMid, wsMid, manage))

	// Domain event intake from CRM services
	intake := []func(http.HandlerFunc) http.HandlerFunc{authMid, wsMid, requireRole(auth.RoleService, auth.RoleOwner, auth.RoleAdmin)}
	if deps.EventRateLimiter != nil {
		intake = append(intake, deps.EventRateLimiter.Handle)
	}
	router.POST("/api/v1/events", chain(deps.EventHandler.Emit, intake...))

	return router
}

// chain applies middlewares so the first one listed runs outermost.
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// wrap converts an http.HandlerFunc to an httprouter.Handle, carrying route
// params in the request context.
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

func requireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
			if !ok {
				errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					next(w, r)
					return
				}
			}
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
		}
	}
}
