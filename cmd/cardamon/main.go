// Cardamon measures the power and carbon cost of software by observing the
// CPU usage of its processes and containers while scenarios run against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/api"
	"github.com/Root-Branch/cardamon/pkg/cardamon/carbon"
	"github.com/Root-Branch/cardamon/pkg/cardamon/clock"
	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
	"github.com/Root-Branch/cardamon/pkg/cardamon/dockerclient"
	"github.com/Root-Branch/cardamon/pkg/cardamon/metrics"
	"github.com/Root-Branch/cardamon/pkg/cardamon/orchestrator"
	"github.com/Root-Branch/cardamon/pkg/cardamon/power"
	"github.com/Root-Branch/cardamon/pkg/cardamon/store"
	"github.com/Root-Branch/cardamon/pkg/cardamon/supervisor"
)

var configPath string

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	root := &cobra.Command{
		Use:          "cardamon",
		Short:        "Measure the power consumption and carbon footprint of your software",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "cardamon.yaml", "path to the configuration file")

	root.AddCommand(newRunCmd(), newLiveCmd(), newStatsCmd(), newServeCmd())

	if err := root.Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}

// deps holds everything a command needs wired together.
type deps struct {
	cfg   *config.Config
	store *store.Store
	calc  *power.Calculator
	orch  *orchestrator.Orchestrator
	close func()
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}

	calc, err := buildCalculator(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	var (
		dockerAPI *dockerclient.Client
		statsAPI  metrics.ContainerStatsAPI
		sup       *supervisor.Supervisor
	)
	if needsDocker(cfg) {
		dockerAPI, err = dockerclient.New()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("docker processes configured but docker is unavailable: %w", err)
		}
		statsAPI = dockerAPI
		sup = supervisor.New(dockerAPI, cfg.Metrics.StartTimeout, cfg.Metrics.StopTimeout)
	} else {
		sup = supervisor.New(nil, cfg.Metrics.StartTimeout, cfg.Metrics.StopTimeout)
	}

	orch := orchestrator.New(cfg, sup, st, statsAPI, calc, clock.RealClock{})

	return &deps{
		cfg:   cfg,
		store: st,
		calc:  calc,
		orch:  orch,
		close: func() {
			if dockerAPI != nil {
				dockerAPI.Close()
			}
			st.Close()
		},
	}, nil
}

func buildCalculator(ctx context.Context, cfg *config.Config) (*power.Calculator, error) {
	curve := power.NewCurve(cfg.CPU.Curve)
	if curve.IsZero() {
		curve = power.FromTDP(cfg.CPU.TDP)
	}

	intensity, err := carbon.FromConfig(cfg.Carbon).Intensity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve carbon intensity: %w", err)
	}
	return power.NewCalculator(curve, intensity), nil
}

func needsDocker(cfg *config.Config) bool {
	for _, p := range cfg.Processes {
		if p.Kind == config.KindDocker {
			return true
		}
	}
	return false
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <observation>",
		Short: "Run a scenario observation and report its power and CO2 cost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			summary, err := d.orch.Run(ctx, args[0])
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}
}

func newLiveCmd() *cobra.Command {
	var pids []int
	var containers []string

	cmd := &cobra.Command{
		Use:   "live [observation]",
		Short: "Monitor processes continuously until interrupted",
		Long: `Monitor a live observation from the configuration, or attach directly
to running processes with --pid and --container. Attaching is always
external-only: the supplied subjects must already be running, no start
command is invoked for them, and they are left running on exit. To have
cardamon start the processes itself, name a live observation instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			var summary *orchestrator.RunSummary
			switch {
			case len(args) == 1:
				summary, err = d.orch.Run(ctx, args[0])
			case len(pids) > 0 || len(containers) > 0:
				summary, err = d.orch.RunExternal(ctx, pids, containers, true)
			default:
				return fmt.Errorf("name a live observation or supply --pid/--container")
			}
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&pids, "pid", nil, "PID of an already-running process to observe")
	cmd.Flags().StringSliceVar(&containers, "container", nil, "name of an already-running container to observe")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var lastN int

	cmd := &cobra.Command{
		Use:   "stats <scenario>",
		Short: "Show averaged energy and CO2 for a scenario's recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			stats, err := d.store.ComputeScenarioStats(ctx, args[0], lastN, d.calc)
			if err != nil {
				return err
			}
			if stats.Runs == 0 {
				fmt.Printf("no runs recorded for scenario %q\n", args[0])
				return nil
			}

			fmt.Printf("scenario %s over last %d run(s)\n", stats.ScenarioName, stats.Runs)
			fmt.Printf("  avg energy  %.6f kWh\n", stats.AvgEnergyKWh)
			fmt.Printf("  avg CO2e    %.3f g\n", stats.AvgCO2Grams)
			fmt.Printf("  total       %.6f kWh / %.3f g CO2e\n", stats.TotalEnergyKWh, stats.TotalCO2Grams)
			return nil
		},
	}
	cmd.Flags().IntVar(&lastN, "last", 5, "number of recent runs to aggregate")
	return cmd
}

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			if port == 0 {
				port = d.cfg.API.Port
			}
			srv := api.NewServer(port, d.store, d.calc)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides configuration)")
	return cmd
}

func printSummary(s *orchestrator.RunSummary) {
	fmt.Printf("run %s (%s) %s\n", s.RunID, s.ObservationName,
		s.StopTime.Sub(s.StartTime).Round(time.Millisecond))
	if len(s.Iterations) > 0 {
		fmt.Printf("  iterations %d (%d failed)\n", len(s.Iterations), s.FailedIters)
	}
	fmt.Printf("  samples    %d\n", s.Samples)

	names := make([]string, 0, len(s.PerSubject))
	for name := range s.PerSubject {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		est := s.PerSubject[name]
		fmt.Printf("  %-20s %8.2f J  %10.6f kWh  %8.3f g CO2e  (avg %.2f W)\n",
			name, est.EnergyJoules, est.EnergyKWh, est.CO2Grams, est.AvgPowerWatts)
	}
	total := s.Total
	fmt.Printf("  %-20s %8.2f J  %10.6f kWh  %8.3f g CO2e\n",
		"total", total.EnergyJoules, total.EnergyKWh, total.CO2Grams)
}
