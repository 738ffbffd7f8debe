package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/webex-term/internal/adapters/webexapi"
	"github.com/bnema/webex-term/internal/application"
	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/slash"
	"github.com/bnema/webex-term/internal/stream"
)

// runRoomSession is the interactive loop: live messages print as the sink
// receives them, plain input lines are sent to the current room, and
// /-commands go through the slash dispatch table.
func runRoomSession(cmd *cobra.Command, app *app, room domain.Room) error {
	ctx := cmd.Context()

	me, err := app.api.GetMe(ctx)
	if err != nil {
		return err
	}

	sink := &terminalSink{out: cmd.OutOrStdout(), selfID: me.ID, api: app.api}

	factory := func(device domain.DeviceRegistration) application.EnvelopeSource {
		return stream.New(stream.Options{
			Registrar:   app.registrar,
			Credentials: app.creds,
			Config:      app.streamConfig,
			Logger:      app.logger,
			Clock:       app.clock,
			Device:      device,
		})
	}

	switcher := application.NewSwitcher(application.SwitcherOptions{
		Factory:     factory,
		Fetcher:     app.api,
		Sink:        sink,
		Credentials: app.creds,
		ResolveID: func(id string) string {
			return webexapi.BuildHydraID(id, webexapi.HydraTypeMessage)
		},
		Logger:   app.logger,
		StopWait: app.session.StopWait,
	})
	defer switcher.Stop()

	switcher.StartSession(ctx, app.session.RefreshInterval)

	if err := enterRoom(ctx, cmd, app, switcher, room); err != nil {
		return err
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !slash.IsCommand(line) {
			if _, err := app.api.CreateMessage(ctx, currentRoomID(switcher, room), line, ""); err != nil {
				sink.printf("error sending message: %v", err)
			}
			continue
		}

		command, err := slash.Parse(line)
		if err != nil {
			sink.printf("%v", err)
			continue
		}

		done, err := dispatchCommand(ctx, cmd, app, switcher, sink, &room, command)
		if err != nil {
			sink.printf("%v", err)
		}
		if done {
			return nil
		}
	}
}

func currentRoomID(switcher *application.Switcher, fallback domain.Room) string {
	if roomID, ok := switcher.CurrentRoom(); ok {
		return roomID
	}
	return fallback.ID
}

// enterRoom prints the recent-message catch-up and starts the live
// subscription for room.
func enterRoom(ctx context.Context, cmd *cobra.Command, app *app, switcher *application.Switcher, room domain.Room) error {
	recent, err := app.api.ListMessages(ctx, room.ID, app.session.CatchUpMessages)
	if err != nil {
		app.logger.Warn().Err(err).Msg("could not fetch recent messages")
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nJoined room: %s\nType a message and press Enter to send, /help for commands.\n\n", room.Title)

	// The list endpoint returns newest first; replay oldest first.
	for i := len(recent) - 1; i >= 0; i-- {
		printMessage(ctx, cmd.OutOrStdout(), app, recent[i])
	}

	return switcher.Join(ctx, room.ID)
}

func dispatchCommand(ctx context.Context, cmd *cobra.Command, app *app, switcher *application.Switcher, sink *terminalSink, room *domain.Room, command slash.Command) (done bool, err error) {
	switch command.Kind {
	case slash.KindHelp:
		sink.printf("%s", slash.Help())

	case slash.KindExit:
		return true, nil

	case slash.KindRooms:
		rooms, err := app.api.ListRooms(ctx, 0)
		if err != nil {
			return false, err
		}
		for i, r := range rooms {
			sink.printf("%3d. %s  (%s)", i+1, r.Title, r.ID)
		}

	case slash.KindJoin:
		next, err := resolveRoom(ctx, app, command.Target)
		if err != nil {
			return false, err
		}
		if err := enterRoom(ctx, cmd, app, switcher, next); err != nil {
			return false, err
		}
		*room = next

	case slash.KindMembers:
		members, err := app.api.ListRoomMembers(ctx, room.ID, 0)
		if err != nil {
			return false, err
		}
		for _, member := range members {
			sink.printf("  %s", member.DisplayName)
		}

	case slash.KindUpload:
		if _, err := app.api.SendFile(ctx, room.ID, command.Path, command.Text); err != nil {
			return false, err
		}
		sink.printf("uploaded %s", command.Path)

	case slash.KindDelete:
		if err := app.api.DeleteMessage(ctx, command.Target); err != nil {
			return false, err
		}
		sink.printf("message deleted")

	case slash.KindWhoami:
		me, err := app.api.GetMe(ctx)
		if err != nil {
			return false, err
		}
		sink.printf("%s (%s)", me.DisplayName, strings.Join(me.Emails, ", "))
	}

	return false, nil
}

func printMessage(ctx context.Context, out io.Writer, app *app, msg domain.Message) {
	name := msg.SenderName
	if name == "" && msg.PersonID != "" {
		if person, err := app.api.GetPerson(ctx, msg.PersonID); err == nil {
			name = person.DisplayName
		}
	}
	if name == "" {
		name = msg.PersonEmail
	}
	if name == "" {
		name = "unknown"
	}
	_, _ = fmt.Fprintf(out, "%s: %s\n", name, msg.Text)
}

// terminalSink renders delivered messages. Its methods are called from the
// forwarding goroutine, so writes are serialized with the command loop's
// output.
type terminalSink struct {
	out    io.Writer
	selfID string
	api    *webexapi.Client
	mu     sync.Mutex
}

func (s *terminalSink) Deliver(msg domain.Message) {
	// The session loop already echoes what the user typed.
	if msg.PersonID == s.selfID {
		return
	}

	if msg.Deleted {
		s.printf("(a message was deleted)")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := msg.PersonEmail
	if person, err := s.api.GetPerson(ctx, msg.PersonID); err == nil && person.DisplayName != "" {
		name = person.DisplayName
	}
	if name == "" {
		name = "unknown"
	}

	s.printf("%s: %s", name, msg.Text)
}

func (s *terminalSink) AuthRequired(err error) {
	s.printf("session requires re-authentication (%v); run 'wxt login'", err)
}

func (s *terminalSink) StreamFailed(err error) {
	s.printf("connection lost: %v", err)
}

func (s *terminalSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
