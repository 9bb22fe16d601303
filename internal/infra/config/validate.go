package config

import (
	"fmt"
	"strings"

	"datapilot/internal/domain"
)

// Validate performs static configuration checks at load time.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Limits.RequestsPerWindow <= 0 {
		problems = append(problems, "limits.requests_per_window must be > 0")
	}
	if _, err := Duration(cfg.Limits.Window, 0); err != nil {
		problems = append(problems, "limits.window: "+cfg.Limits.Window)
	}
	if _, err := Duration(cfg.Limits.BlockDuration, 0); err != nil {
		problems = append(problems, "limits.block_duration: "+cfg.Limits.BlockDuration)
	}
	if cfg.Breaker.MaxCalls <= 0 {
		problems = append(problems, "breaker.max_calls must be > 0")
	}
	if cfg.Breaker.MaxRepeats <= 0 {
		problems = append(problems, "breaker.max_repeats must be > 0")
	}
	if cfg.Breaker.MaxRepeats > cfg.Breaker.MaxCalls {
		problems = append(problems, "breaker.max_repeats cannot exceed breaker.max_calls")
	}

	switch cfg.Plans.Backend {
	case "", "memory", "redis":
	case "sqlite":
		if cfg.Plans.SQLitePath == "" {
			problems = append(problems, "plans.sqlite_path required for sqlite backend")
		}
	default:
		problems = append(problems, "plans.backend must be memory, sqlite, or redis")
	}
	switch cfg.State.Backend {
	case "", "memory", "redis":
	default:
		problems = append(problems, "state.backend must be memory or redis")
	}
	if (cfg.Plans.Backend == "redis" || cfg.State.Backend == "redis") && cfg.Redis.Addr == "" {
		problems = append(problems, "redis.addr required for redis-backed stores")
	}

	// Every allow-listed tool needs a role mapping; an unmapped tool would
	// fail closed at runtime, which is almost always a deployment mistake.
	for _, tool := range cfg.Tools.AllowList {
		if _, ok := cfg.Tools.Roles[strings.ToLower(tool)]; !ok {
			problems = append(problems, fmt.Sprintf("tool %q is allow-listed but has no role mapping", tool))
		}
	}
	for tool, roles := range cfg.Tools.Roles {
		if len(roles) == 0 {
			problems = append(problems, fmt.Sprintf("tool %q has an empty role mapping", tool))
		}
		for _, r := range roles {
			if !domain.IsValidRole(r) {
				problems = append(problems, fmt.Sprintf("tool %q maps unknown role %q", tool, r))
			}
		}
	}
	for _, r := range cfg.Tools.WriteRoles {
		if !domain.IsValidRole(r) {
			problems = append(problems, fmt.Sprintf("write_roles contains unknown role %q", r))
		}
	}

	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		problems = append(problems, "audit.path required when audit is enabled")
	}

	if len(problems) > 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad, strings.Join(problems, "; "))
	}
	return nil
}

// CrossCheckRegistry verifies at startup that every allow-listed tool has a
// registry entry. Advisory tooling for deployment sanity, not part of the
// runtime hot path.
func CrossCheckRegistry(cfg *Config, registered func(name string) bool) error {
	var missing []string
	for _, tool := range cfg.Tools.AllowList {
		if !registered(tool) {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return domain.NewDomainError("config.CrossCheckRegistry", domain.ErrConfigLoad,
			"allow-listed tools missing registry entries: "+strings.Join(missing, ", "))
	}
	return nil
}
