// Package slash parses the /-prefixed commands of the interactive room
// session into a closed, tagged set of variants. Each command is resolved
// once at parse time through a lookup table, carrying its typed arguments;
// callers switch on the kind instead of re-inspecting strings.
package slash

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindHelp Kind = iota
	KindExit
	KindRooms
	KindJoin
	KindMembers
	KindUpload
	KindDelete
	KindWhoami
)

// Command is one parsed slash command with its argument payload. Only the
// fields relevant to the kind are set.
type Command struct {
	Kind Kind

	// Target is the room id or name for KindJoin and the message id for
	// KindDelete.
	Target string

	// Path and Text carry the KindUpload arguments.
	Path string
	Text string
}

var ErrUnknownCommand = errors.New("unknown command")

// IsCommand reports whether the input line should be parsed as a command
// rather than sent as a message.
func IsCommand(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "/")
}

type entry struct {
	parse func(args string) (Command, error)
	usage string
	about string
}

var table = map[string]entry{
	"help": {
		parse: func(string) (Command, error) { return Command{Kind: KindHelp}, nil },
		usage: "/help",
		about: "show available commands",
	},
	"exit": {
		parse: func(string) (Command, error) { return Command{Kind: KindExit}, nil },
		usage: "/exit",
		about: "leave the room and quit",
	},
	"rooms": {
		parse: func(string) (Command, error) { return Command{Kind: KindRooms}, nil },
		usage: "/rooms",
		about: "list rooms",
	},
	"join": {
		parse: func(args string) (Command, error) {
			if args == "" {
				return Command{}, errors.New("usage: /join <room id or name>")
			}
			return Command{Kind: KindJoin, Target: args}, nil
		},
		usage: "/join <room id or name>",
		about: "switch to another room",
	},
	"members": {
		parse: func(string) (Command, error) { return Command{Kind: KindMembers}, nil },
		usage: "/members",
		about: "list members of the current room",
	},
	"upload": {
		parse: func(args string) (Command, error) {
			if args == "" {
				return Command{}, errors.New("usage: /upload <path> [text]")
			}
			path, text, _ := strings.Cut(args, " ")
			return Command{Kind: KindUpload, Path: path, Text: strings.TrimSpace(text)}, nil
		},
		usage: "/upload <path> [text]",
		about: "send a file to the current room",
	},
	"delete": {
		parse: func(args string) (Command, error) {
			if args == "" {
				return Command{}, errors.New("usage: /delete <message id>")
			}
			return Command{Kind: KindDelete, Target: args}, nil
		},
		usage: "/delete <message id>",
		about: "delete one of your messages",
	},
	"whoami": {
		parse: func(string) (Command, error) { return Command{Kind: KindWhoami}, nil },
		usage: "/whoami",
		about: "show the authenticated account",
	},
}

// Parse resolves one input line into a Command. The line must satisfy
// IsCommand.
func Parse(line string) (Command, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(line), "/")
	name, args, _ := strings.Cut(trimmed, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	e, ok := table[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: /%s (try /help)", ErrUnknownCommand, name)
	}

	return e.parse(args)
}

// Help renders the command reference shown by /help.
func Help() string {
	// Stable presentation order, independent of map iteration.
	order := []string{"help", "exit", "rooms", "join", "members", "upload", "delete", "whoami"}

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range order {
		e := table[name]
		fmt.Fprintf(&b, "  %-28s %s\n", e.usage, e.about)
	}
	return b.String()
}
