package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/service"
)

// runCheck validates the configuration and the agent and tool-server
// definition directories without starting the engine, then prints what
// would be registered. Definitions go through the same loaders the engine
// uses, so a clean check means a clean boot.
func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Config OK (%s)\n", *configPath)

	registry := service.NewToolServerRegistry(nil)
	if err := registry.LoadFromDirectory(cfg.Dirs.Servers); err != nil {
		return fmt.Errorf("tool servers: %w", err)
	}

	coordinator := service.NewCoordinator(service.CoordinatorParams{Registry: registry})
	if err := coordinator.LoadAgentsFromDirectory(context.Background(), cfg.Dirs.Agents); err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	servers := registry.List()
	if len(servers) == 0 {
		fmt.Printf("No tool servers defined in %s.\n", cfg.Dirs.Servers)
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SERVER\tTRANSPORT\tTOOLS\tAUTH\tENABLED")
		for i := range servers {
			s := &servers[i]
			auth := "-"
			if s.AuthRequired {
				auth = s.AuthSessionKey
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\n",
				s.Name, s.Transport, len(s.Tools), auth, s.Enabled)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	page, err := coordinator.ListAgents(context.Background(), agent.ListFilter{Limit: 500})
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(page.Agents) == 0 {
		fmt.Printf("No agents defined in %s.\n", cfg.Dirs.Agents)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AGENT\tPLANNER\tMODEL\tTOOLS\tPLAN")
	for i := range page.Agents {
		d := &page.Agents[i]
		planner := d.Planner
		if planner == "" {
			planner = agent.PlannerSimple
		}
		plan := "-"
		if d.Plan != nil {
			plan = "every " + d.Plan.Interval.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			d.Name, planner, d.Model.Model, len(d.Tools), plan)
	}
	return w.Flush()
}
