package commands

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stationsCmd)
}

var stationsCmd = &cobra.Command{
	Use:   "stations",
	Short: "Lists the stations of the configured line.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stations, err := client.Stations(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Station"})
		for _, s := range stations {
			t.AppendRow(table.Row{s.ID, s.Name})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()

		return nil
	},
}
