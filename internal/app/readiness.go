package app

import (
	"context"
	"fmt"

	httpserver "github.com/fairyhunter13/ai-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/registry"
)

// Pinger is the connectivity check of an optional dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks assembles the checks for /health/ready: every
// capability must have at least one routable backend, and the cache
// mirror, when configured, must answer a ping.
func BuildReadinessChecks(reg *registry.Registry, mirror Pinger) []httpserver.ReadyCheck {
	checks := []httpserver.ReadyCheck{
		func(context.Context) error {
			for _, c := range domain.Capabilities() {
				if len(reg.BackendsFor(c)) == 0 {
					return fmt.Errorf("no backend configured for capability %s", c)
				}
			}
			return nil
		},
	}
	if mirror != nil {
		checks = append(checks, func(ctx context.Context) error {
			if err := mirror.Ping(ctx); err != nil {
				return fmt.Errorf("cache mirror unreachable: %w", err)
			}
			return nil
		})
	}
	return checks
}
