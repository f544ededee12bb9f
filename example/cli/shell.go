package main

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/chzyer/readline"
	vis "github.com/mercedes-benz/vehicle-information-service"
)

// shell is the interactive command loop over a connected client. Notification
// printing goes through the readline instance so it does not mangle the
// prompt.
type shell struct {
	cli *vis.Client
	rl  *readline.Instance
}

func newShell(cli *vis.Client) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "vis> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &shell{cli: cli, rl: rl}, nil
}

func (s *shell) run() {
	defer s.rl.Close()

	s.printHelp()

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "get", "g":
			s.cmdGet(args)

		case "set", "s":
			s.cmdSet(args)

		case "subscribe", "sub":
			s.cmdSubscribe(args)

		case "unsubscribe", "unsub":
			s.cmdUnsubscribe(args)

		case "unsubscribeall":
			s.cmdUnsubscribeAll()

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
Signal Access Commands:
  get <path>                    - Read the current value of a signal
  set <path> <value>            - Write a value (parsed as JSON, else as string)
  subscribe <path> [filters]    - Subscribe; filters is a JSON object, e.g.
                                  {"interval":2000} or {"range":{"below":50}}
  unsubscribe <id>              - Remove one subscription
  unsubscribeall                - Remove all subscriptions

  help                          - Show this help
  quit                          - Exit

  Paths are dotted, e.g. Private.Example.Interval`)
}

func (s *shell) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: get <path>")
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	value, err := s.cli.Get(ctx, args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "%s = %s\n", args[0], value)
}

func (s *shell) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: set <path> <value>")
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	if err := s.cli.Set(ctx, args[0], parseValue(strings.Join(args[1:], " "))); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "OK")
}

func (s *shell) cmdSubscribe(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: subscribe <path> [filters-json]")
		return
	}

	var filters *vis.Filters
	if len(args) > 1 {
		filters = &vis.Filters{}
		if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), filters); err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Invalid filters: %v\n", err)
			return
		}
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	id, notifications, err := s.cli.Subscribe(ctx, args[0], filters)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Subscribed: %s\n", id)
	go s.watch(args[0], id, notifications)
}

func (s *shell) cmdUnsubscribe(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: unsubscribe <id>")
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	if err := s.cli.Unsubscribe(ctx, vis.MustString(args[0])); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "Unsubscribed")
}

func (s *shell) cmdUnsubscribeAll() {
	ctx, cancel := s.requestContext()
	defer cancel()

	count, err := s.cli.UnsubscribeAll(ctx)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Removed %d subscriptions\n", count)
}

// watch prints notifications until the subscription ends.
func (s *shell) watch(path string, id vis.MustString, notifications iter.Seq[vis.Notification]) {
	for n := range notifications {
		fmt.Fprintf(s.rl.Stdout(), "\n[%s] %s = %s\n",
			time.UnixMilli(n.Timestamp).Format("15:04:05.000"), path, n.Value)
		s.rl.Refresh()
	}

	fmt.Fprintf(s.rl.Stdout(), "\nSubscription %s ended\n", id)
	s.rl.Refresh()
}

func (s *shell) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// parseValue interprets the argument as JSON when possible, so numbers,
// booleans, objects and quoted strings round-trip; anything else is sent as a
// plain string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
