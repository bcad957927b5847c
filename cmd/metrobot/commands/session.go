package commands

import (
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Bootstraps a metrofor session and prints what the site handed out.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := client.EnsureSession(cmd.Context())
		if err != nil {
			return err
		}

		var names []string
		for _, pair := range strings.Split(session.Cookies, "; ") {
			name, _, _ := strings.Cut(pair, "=")
			names = append(names, name)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendRows([]table.Row{
			{"Site", client.BaseUrl().String()},
			{"CSRF token", len(session.CsrfToken)},
			{"Cookies", strings.Join(names, ", ")},
		})
		t.SetStyle(table.StyleRounded)
		t.Render()

		return nil
	},
}
