package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRoomsCmd(app *app) *cobra.Command {
	var max int

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms you are a member of",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rooms, err := app.api.ListRooms(cmd.Context(), max)
			if err != nil {
				return err
			}
			if len(rooms) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No rooms found.")
				return nil
			}
			for i, room := range rooms {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%3d. %s  (%s)\n", i+1, room.Title, room.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&max, "max", 100, "Maximum number of rooms to list")

	return cmd
}
