package commands

import (
	"context"
	"errors"
	"fmt"
	"metrobot-backend/internal/scrapers/metrofor"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var scheduleAt string

func init() {
	scheduleCmd.Flags().StringVar(&scheduleAt, "at", "", "Departure time, HH:MM today or YYYY-MM-DDTHH:MM.")
	rootCmd.AddCommand(scheduleCmd)
}

var errNoTrip = errors.New("no trip information for these stations")

func resolveStation(ctx context.Context, query string) (metrofor.Station, error) {
	station, ok, err := metrofor.ResolveStation(ctx, client, query)
	if err != nil {
		return metrofor.Station{}, err
	}
	if !ok {
		return metrofor.Station{}, fmt.Errorf("unknown station %q, see `metrobot stations`", query)
	}
	return station, nil
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <origin> <destination> [--at <time>]",
	Short: "Prints the next trains between two stations, given by id or name.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var dateTime string
		if scheduleAt != "" {
			t, err := metrofor.ParseTripDateTime(scheduleAt, clock.Now())
			if err != nil {
				return err
			}
			dateTime = metrofor.FormatTripDateTime(t, clock.Location())
		}

		origin, err := resolveStation(ctx, args[0])
		if err != nil {
			return err
		}
		destination, err := resolveStation(ctx, args[1])
		if err != nil {
			return err
		}

		info, found, err := client.Schedule(ctx, origin.ID, destination.ID, dateTime)
		if err != nil {
			return err
		}
		if !found {
			return errNoTrip
		}

		next := []string{}
		for _, n := range []string{info.NextSchedule1, info.NextSchedule2} {
			if n != "" {
				next = append(next, n)
			}
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendRows([]table.Row{
			{"Origin", info.Origin},
			{"Destination", info.Destination},
			{"Departs", info.OriginEstimatedTime},
			{"Arrives", info.DestinationArrivalTime},
			{"Duration", info.EstimatedTripDuration},
			{"Stops", info.NumberOfStations},
			{"Next", strings.Join(next, ", ")},
		})
		t.SetStyle(table.StyleRounded)
		t.Render()

		return nil
	},
}
