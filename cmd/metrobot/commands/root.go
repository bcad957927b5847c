package commands

import (
	"context"
	"fmt"
	"log/slog"
	"metrobot-backend/internal/components/chrono"
	"metrobot-backend/internal/components/telemetry"
	"metrobot-backend/internal/config"
	"metrobot-backend/internal/scrapers/metrofor"
	"metrobot-backend/lib/restyutil"
	"metrobot-backend/lib/serviceutil"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

var (
	configPath string
	verbose    bool
	dumpDir    string
)

// set up by the root command before any subcommand runs
var (
	cfg     config.Config
	clock   chrono.API
	tel     telemetry.API
	client  *metrofor.Client
	otelSdk telemetry.Otel
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json5", "Path to the config file.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging.")
	rootCmd.PersistentFlags().StringVar(&dumpDir, "dump", "", "Write every exchange with the site to this directory.")
}

var rootCmd = &cobra.Command{
	Use:           "metrobot",
	Short:         "metrobot answers \"when is the next train\" for the Fortaleza metro (Metrofor).",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		telemetry.InitSlog(verbose)

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		clock, err = chrono.NewStandardImpl(cfg.Timezone)
		if err != nil {
			return err
		}

		tel = telemetry.SlogAPI{}
		if cfg.Otlp.Enabled() {
			otelSdk, err = telemetry.SetupOtel(cmd.Context(), "metrobot", cfg.Otlp)
			if err != nil {
				return fmt.Errorf("setup otel: %w", err)
			}
			tel, err = telemetry.NewOtelAPI(otel.Meter("metrobot"), tel)
			if err != nil {
				return err
			}
		}

		opts := cfg.ClientOptions()
		opts.Clock = clock
		opts.Cache = metrofor.NewSessionCache(clock, cfg.CacheTTL())
		if dumpDir != "" {
			opts.Dump, err = restyutil.NewDirectoryOutput(dumpDir)
			if err != nil {
				return fmt.Errorf("create dump directory: %w", err)
			}
		}
		client, err = metrofor.NewClient(opts, tel)
		if err != nil {
			return fmt.Errorf("create metrofor client: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		err := otelSdk.Shutdown(ctx)
		if err != nil {
			slog.Warn("failed to flush telemetry", "err", err)
		}
	},
}

func ExecuteContext(ctx context.Context) {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		serviceutil.Fatal("metrobot", err)
	}
}
