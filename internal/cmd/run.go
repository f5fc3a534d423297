package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/locum-sh/locum/internal/backend"
	"github.com/locum-sh/locum/internal/bridge"
	"github.com/locum-sh/locum/internal/engine"
	"github.com/locum-sh/locum/internal/logging"
	"github.com/locum-sh/locum/internal/store"
)

var (
	runHost string
	runPort int
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the locum daemon",
	Long: `Start the bridge endpoint and the response pipeline, then wait for
the host instrumentation to connect.

Example:
  locum run                 # Listen on the configured bridge address
  locum run --port 9000     # Override the bridge port`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runHost, "host", "", "Bridge listen host (overrides config)")
	runCmd.Flags().IntVar(&runPort, "port", 0, "Bridge listen port (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logging.Engine()

	if runHost != "" {
		cfg.Bridge.Host = runHost
	}
	if runPort != 0 {
		cfg.Bridge.Port = runPort
	}

	if !cfg.Backend.Configured() {
		log.Warn("no backend credentials configured; all sessions will report uninitialized")
	}

	st, err := store.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	br := bridge.New(cfg.Bridge)
	if err := br.Start(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		br.Shutdown(ctx)
	}()

	eng := engine.New(engine.EngineConfig{
		Config:     cfg,
		Host:       br,
		Feed:       br,
		Store:      st,
		Backend:    backend.NewClient(cfg.Backend),
		ConfigPath: cfgPath,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("locum started", "bridge", br.Addr(), "data_dir", cfg.DataDir)
	return eng.Run(ctx)
}
