package authz

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/aosgate/pkg/faults"
)

// Gate checks callers against the roles required by a tool.
type Gate struct {
	roles  *RoleMap
	logger zerolog.Logger
}

// NewGate creates an authorization gate. A nil role map uses DefaultRoleMap.
func NewGate(roles *RoleMap, logger zerolog.Logger) *Gate {
	if roles == nil {
		roles = DefaultRoleMap()
	}
	return &Gate{
		roles:  roles,
		logger: logger.With().Str("component", "authz").Logger(),
	}
}

// Roles returns the tool to role mapping used by the gate.
func (g *Gate) Roles() *RoleMap {
	return g.roles
}

// IsAuthorized returns true when required is empty or tc holds at least one
// of the required roles.
func (g *Gate) IsAuthorized(tc *ToolContext, required []string) bool {
	if len(required) == 0 {
		return true
	}
	if tc == nil {
		return false
	}
	for _, role := range required {
		if tc.HasRole(role) {
			return true
		}
	}
	return false
}

// EnsureAuthorized is IsAuthorized that fails with a Forbidden fault.
// A context without a user id fails with Unauthorized.
func (g *Gate) EnsureAuthorized(tc *ToolContext, required []string) error {
	if tc == nil || strings.TrimSpace(tc.UserID) == "" {
		g.logger.Warn().
			Strs("required_roles", required).
			Msg("Rejected call without caller identity")
		return faults.Unauthorized("no caller identity")
	}

	if g.IsAuthorized(tc, required) {
		return nil
	}

	g.logger.Warn().
		Str("user_id", tc.UserID).
		Str("correlation_id", tc.CorrelationID).
		Strs("required_roles", required).
		Strs("held_roles", tc.Roles).
		Msg("Authorization denied")

	return faults.Forbidden("user %s lacks any of roles [%s]", tc.UserID, strings.Join(required, ", "))
}

// EnsureTool checks tc against the roles mapped to toolName.
func (g *Gate) EnsureTool(tc *ToolContext, toolName string) error {
	return g.EnsureAuthorized(tc, g.roles.RequiredRoles(toolName))
}
