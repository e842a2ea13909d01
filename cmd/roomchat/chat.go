package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	roomchat "github.com/roomchat/roomchat/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Open a room and chat in real time",
	Long: "Open a chat room, print its history and stream new messages.\n" +
		"Each line read from stdin is sent to the room. '/gif <ref>' sends a GIF\n" +
		"reference and '/quit' leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		session, err := requireSession(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runChat(ctx, cfg, session, roomchat.ID(args[0]), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func runChat(ctx context.Context, cfg *Config, session roomchat.Session, roomID roomchat.ID, in io.Reader, out, errOut io.Writer) error {
	logger := newLogger()
	client := newClient(cfg)
	rt := client.Realtime(&roomchat.RealtimeConfig{AutoReconnect: true, Logger: logger})

	opts := []roomchat.EngineOption{
		roomchat.WithLogger(logger),
		roomchat.WithOptimisticSend(cfg.Default.Optimistic),
	}
	if d := cfg.debounce(); d >= 0 {
		opts = append(opts, roomchat.WithLoadDebounce(d))
	}
	engine := roomchat.NewEngine(client, rt, session, opts...)
	defer engine.Close()

	printer := newMessagePrinter(out)
	engine.Observe("cli", func(ch roomchat.Change) {
		if ch.Kind == roomchat.ChangeTimeline && ch.RoomID == roomID {
			printer.print(engine.Timeline().Messages())
		}
	})
	rt.OnStateChange("cli", func(ev roomchat.StateEvent) {
		switch ev.NewState {
		case roomchat.StateReconnecting:
			fmt.Fprintln(errOut, "-- connection lost, reconnecting")
		case roomchat.StateConnected:
			if ev.OldState == roomchat.StateReconnecting {
				fmt.Fprintln(errOut, "-- reconnected")
			}
		}
	})

	if err := engine.Start(ctx); err != nil {
		if !roomchat.IsConnectionError(err) {
			return err
		}
		fmt.Fprintf(errOut, "-- live updates unavailable: %v\n", err)
	}

	room, ok := engine.Directory().Room(roomID)
	if !ok {
		return fmt.Errorf("room %s not found", roomID)
	}
	fmt.Fprintf(out, "== %s ==\n", valueOrDefault(room.Name, roomID.String()))

	if err := engine.SelectRoom(ctx, roomID); err != nil {
		fmt.Fprintf(errOut, "-- could not subscribe to room: %v\n", err)
	}
	// Open the room at once rather than after the selection debounce.
	if err := engine.LoadRoom(ctx, roomID); err != nil && !errors.Is(err, roomchat.ErrSuperseded) {
		return fmt.Errorf("load messages: %w", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			content, isGif, quit := parseInput(line)
			if quit {
				return nil
			}
			if content == "" {
				continue
			}
			if err := engine.Send(ctx, content, isGif); err != nil {
				fmt.Fprintf(errOut, "-- send failed: %v\n", err)
			}
		}
	}
}

// parseInput interprets one line of chat input.
func parseInput(line string) (content string, isGif, quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "/quit":
		return "", false, true
	case line == "/gif":
		return "", true, false
	case strings.HasPrefix(line, "/gif "):
		return strings.TrimSpace(strings.TrimPrefix(line, "/gif ")), true, false
	default:
		return line, false, false
	}
}
