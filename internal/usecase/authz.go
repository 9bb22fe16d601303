package usecase

import (
	"strings"

	"datapilot/internal/domain"
)

// AccessPolicy maps tool names to the roles allowed to invoke them, plus
// the global write-role set. Both checks fail closed: a tool with no
// configured mapping is never invocable, and a write tool additionally
// requires a global write role independent of its own mapping.
type AccessPolicy struct {
	toolRoles  map[string][]domain.Role // keyed by lowercased tool name
	writeRoles []domain.Role
}

// NewAccessPolicy builds a policy from configuration. Unknown role strings
// are dropped; config validation reports them before this point.
func NewAccessPolicy(toolRoles map[string][]string, writeRoles []string) *AccessPolicy {
	p := &AccessPolicy{
		toolRoles:  make(map[string][]domain.Role, len(toolRoles)),
		writeRoles: domain.StringsToRoles(writeRoles),
	}
	for tool, roles := range toolRoles {
		p.toolRoles[strings.ToLower(tool)] = domain.StringsToRoles(roles)
	}
	return p
}

// EnsureReadAllowed fails with ErrUnauthorized unless one of the caller's
// roles appears in the tool's configured role mapping.
func (p *AccessPolicy) EnsureReadAllowed(tool string, ec *domain.ExecContext) error {
	return p.ensure("AccessPolicy.EnsureReadAllowed", tool, ec)
}

// EnsureWriteAllowed applies the read check plus the global write-role
// requirement. A tool misconfigured with only read roles can never be
// promoted to writable by mistake.
func (p *AccessPolicy) EnsureWriteAllowed(tool string, ec *domain.ExecContext) error {
	const op = "AccessPolicy.EnsureWriteAllowed"
	if err := p.ensure(op, tool, ec); err != nil {
		return err
	}
	if !domain.RolesIntersect(ec.Roles, p.writeRoles) {
		return domain.NewDomainError(op, domain.ErrUnauthorized, "write role required for "+tool)
	}
	return nil
}

func (p *AccessPolicy) ensure(op, tool string, ec *domain.ExecContext) error {
	allowed, ok := p.toolRoles[strings.ToLower(tool)]
	if !ok || len(allowed) == 0 {
		// No mapping configured: fail closed.
		return domain.NewDomainError(op, domain.ErrUnauthorized, "no role mapping for "+tool)
	}
	if !domain.RolesIntersect(ec.Roles, allowed) {
		return domain.NewDomainError(op, domain.ErrUnauthorized, "role not allowed for "+tool)
	}
	return nil
}

// HasMapping reports whether a role mapping exists for the tool. Used by
// startup configuration validation.
func (p *AccessPolicy) HasMapping(tool string) bool {
	_, ok := p.toolRoles[strings.ToLower(tool)]
	return ok
}
