package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/webex-term/internal/domain"
)

func newJoinCmd(app *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "join [room-id]",
		Short: "Join a room and chat interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			if name != "" && target == "" {
				target = name
			}

			room, err := pickRoom(cmd, app, target)
			if err != nil {
				return err
			}

			return runRoomSession(cmd, app, room)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Room name to join")

	return cmd
}

// pickRoom resolves the target as a room id first, then as a title. With no
// target it lists rooms and prompts for a number.
func pickRoom(cmd *cobra.Command, app *app, target string) (domain.Room, error) {
	ctx := cmd.Context()

	if target != "" {
		return resolveRoom(ctx, app, target)
	}

	rooms, err := app.api.ListRooms(ctx, 0)
	if err != nil {
		return domain.Room{}, err
	}
	if len(rooms) == 0 {
		return domain.Room{}, errors.New("no rooms found")
	}

	for i, room := range rooms {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%3d. %s\n", i+1, room.Title)
	}
	_, _ = fmt.Fprint(cmd.OutOrStdout(), "Room number to join: ")

	var input string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &input); err != nil {
		return domain.Room{}, fmt.Errorf("read room selection: %w", err)
	}
	selection, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil || selection < 1 || selection > len(rooms) {
		return domain.Room{}, errors.New("invalid room selection")
	}

	return rooms[selection-1], nil
}

func resolveRoom(ctx context.Context, app *app, target string) (domain.Room, error) {
	room, err := app.api.GetRoom(ctx, target)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, domain.ErrRoomNotFound) {
		// Ids and titles are not distinguishable up front; a lookup error on
		// the id path still allows a title match.
		app.logger.Debug().Err(err).Str("target", target).Msg("room id lookup failed, trying title")
	}

	room, nameErr := app.api.RoomByName(ctx, target)
	if nameErr != nil {
		if errors.Is(nameErr, domain.ErrRoomNotFound) {
			return domain.Room{}, fmt.Errorf("no room with id or title %q", target)
		}
		return domain.Room{}, nameErr
	}
	return room, nil
}
