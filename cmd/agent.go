package cmd

import (
	"context"
	"fmt"

	"github.com/arklane/arkbackup/internal/config"
	"github.com/arklane/arkbackup/internal/logger"
	"github.com/arklane/arkbackup/internal/wiring"
)

// buildAgent loads ConfigFile and wires a Controller over it, the single
// entrypoint every subcommand funnels through.
func buildAgent(ctx context.Context) (*wiring.Agent, error) {
	var cfg config.Config
	if err := cfg.Load(ConfigFile); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	agent, err := wiring.Build(ctx, &cfg, logger.Global())
	if err != nil {
		return nil, fmt.Errorf("build agent: %w", err)
	}
	return agent, nil
}
