package commands

import (
	"metrobot-backend/internal/components/telemetry"
	"metrobot-backend/internal/server"
	"metrobot-backend/lib/serviceutil"

	"github.com/spf13/cobra"
)

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on, overrides http.port from the config.")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--port <port>]",
	Short: "Serves stations and schedules over HTTP as json.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		port := cfg.Http.Port
		if servePort > 0 {
			port = servePort
		}

		if cfg.Otlp.Enabled() {
			telemetry.InstrumentPerfStats(ctx, tel)
		}

		srv := server.NewServer(client, clock, tel)
		return serviceutil.StartHttpServer(ctx, port, srv.Handler())
	},
}
