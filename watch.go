package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/utils"
	"github.com/yeremiapane/kitchen-router/viewer"
)

// watchCmd attaches a viewer to a running server and prints the events it
// applies. Useful for checking a station's feed from a terminal.
func watchCmd() *cobra.Command {
	var (
		feedURL   string
		apiURL    string
		role      string
		stationID uint
		tableID   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to the change feed like a display would",
		RunE: func(cmd *cobra.Command, _ []string) error {
			utils.InitLogger("info")

			r, err := kds.ParseRole(role)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			m, err := viewer.NewManager(viewer.Config{
				Filter:  kds.Filter{Role: r, StationID: stationID, TableID: tableID},
				Backoff: viewer.DefaultBackoff(),
				OnStateChange: func(from, to viewer.State) {
					utils.InfoLogger.WithFields(logrus.Fields{"from": from, "to": to}).Info("viewer state")
				},
				OnEvent: func(e kds.Event, _ viewer.Outcome) {
					fmt.Fprintf(out, "%d\t%s\t%s\trecord=%d station=%d table=%s\n", e.Seq, e.Type, e.Action, e.RecordID, e.StationID, e.TableID)
				},
			}, &viewer.WSDialer{URL: feedURL}, &viewer.HTTPMutator{BaseURL: apiURL})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := m.Start(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-m.Done():
			}
			m.Close()
			return nil
		},
	}
	cmd.Flags().StringVar(&feedURL, "feed", "ws://localhost:8080/kds/ws", "change feed endpoint")
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080/api", "routing API base URL")
	cmd.Flags().StringVar(&role, "role", "expo", "viewer role: kitchen, expo or server")
	cmd.Flags().UintVar(&stationID, "station", 0, "station id (required for kitchen)")
	cmd.Flags().StringVar(&tableID, "table", "", "only events for this table")
	return cmd
}
