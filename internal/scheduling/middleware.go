package scheduling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/medrex/clinic-scheduling/pkg/logger"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

type claimsKey struct{}

// requireRole authenticates the request and admits it only when the caller
// holds one of roles
func (s *Service) requireRole(next http.HandlerFunc, roles ...types.UserRole) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			s.writeErrorResponse(w, r, types.NewAuthenticationError(types.ErrCodeUnauthorized, "missing access token"))
			return
		}

		claims, err := s.tokens.ValidateJWT(token)
		if err != nil {
			s.writeErrorResponse(w, r, err)
			return
		}

		if !claims.HasRole(roles...) {
			s.logger.Audit(claims.UserID, "access_denied", r.URL.Path, false, map[string]interface{}{
				"role": claims.Role,
			})
			s.writeErrorResponse(w, r, types.NewAuthorizationError(types.ErrCodeForbidden, "insufficient role for this operation"))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = context.WithValue(ctx, logger.UserIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads the access token from x-auth-token or a Bearer
// Authorization header
func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("x-auth-token")); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func claimsFromContext(ctx context.Context) *types.UserClaims {
	claims, _ := ctx.Value(claimsKey{}).(*types.UserClaims)
	return claims
}

func asSchedulingError(err error) *types.SchedulingError {
	var se *types.SchedulingError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// corsMiddleware answers preflight requests and sets CORS headers for
// configured origins. It wraps the router so OPTIONS never reaches route
// matching.
func (s *Service) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// securityHeadersMiddleware adds security headers
func (s *Service) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies the per-address token bucket to API routes
func (s *Service) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddress(r)
		if !s.limiter.Allow(key) {
			s.logger.WithComponent("http").WithField("client", key).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(s.config.Server.RateLimitPeriod))
			s.writeErrorResponse(w, r, types.NewRateLimitError("rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
