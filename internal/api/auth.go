package api

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/spinleaf/scenario-engine/internal/config"
)

// Role represents an authorization role. Admins manage scenarios;
// operators get read access for support and debugging.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

type authConfig struct {
	adminUser    string
	adminPass    string
	operatorUser string
	operatorPass string
	enabled      bool
}

var auth *authConfig

// InitAuth loads credentials from environment variables, honoring the
// *_FILE convention for container secrets. With no admin credentials
// set, authentication is disabled (dev-friendly).
func InitAuth() {
	adminUser, err := config.ResolveSecret("ENGINE_ADMIN_USER")
	if err != nil {
		log.Fatalf("failed to resolve ENGINE_ADMIN_USER: %v", err)
	}
	adminPass, err := config.ResolveSecret("ENGINE_ADMIN_PASS")
	if err != nil {
		log.Fatalf("failed to resolve ENGINE_ADMIN_PASS: %v", err)
	}
	operatorUser, err := config.ResolveSecret("ENGINE_OPERATOR_USER")
	if err != nil {
		log.Fatalf("failed to resolve ENGINE_OPERATOR_USER: %v", err)
	}
	operatorPass, err := config.ResolveSecret("ENGINE_OPERATOR_PASS")
	if err != nil {
		log.Fatalf("failed to resolve ENGINE_OPERATOR_PASS: %v", err)
	}

	auth = &authConfig{
		adminUser:    adminUser,
		adminPass:    adminPass,
		operatorUser: operatorUser,
		operatorPass: operatorPass,
		enabled:      adminUser != "" && adminPass != "",
	}
}

// IsAuthEnabled returns true if authentication is configured.
func IsAuthEnabled() bool {
	return auth != nil && auth.enabled
}

// authenticate checks basic auth credentials and returns the role, or
// "" for invalid credentials.
func authenticate(r *http.Request) Role {
	if auth == nil || !auth.enabled {
		return RoleAdmin // no auth configured = full access
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}

	if auth.adminUser != "" && auth.adminPass != "" {
		if secureCompare(user, auth.adminUser) && secureCompare(pass, auth.adminPass) {
			return RoleAdmin
		}
	}
	if auth.operatorUser != "" && auth.operatorPass != "" {
		if secureCompare(user, auth.operatorUser) && secureCompare(pass, auth.operatorPass) {
			return RoleOperator
		}
	}
	return ""
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Scenario Engine"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// RequireRole wraps a handler and requires one of the specified roles.
func RequireRole(handler http.HandlerFunc, allowedRoles ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := authenticate(r)
		if role == "" {
			requireAuth(w)
			return
		}
		for _, allowed := range allowedRoles {
			if role == allowed {
				handler(w, r)
				return
			}
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

// RequireAnyRole wraps a handler requiring admin OR operator role.
func RequireAnyRole(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin, RoleOperator)
}

// RequireAdmin wraps a handler requiring admin role only.
func RequireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin)
}
