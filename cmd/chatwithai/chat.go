package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/messaging"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

func newChatCommand(opts *rootOptions) *cobra.Command {
	var participant string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the persona from the terminal",
		Long:  "Run the scheduler in-process and chat as a human participant. The persona answers (or not) on its own schedule.",
		Example: strings.Join([]string{
			"  chatwithai chat",
			"  chatwithai chat --participant cli:alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, participant)
		},
	}
	cmd.Flags().StringVarP(&participant, "participant", "p", "", "Participant id (default from config)")
	return cmd
}

// lineReader is satisfied by readline and by the plain stdin fallback.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

type stdinReader struct{ r *bufio.Reader }

func (s stdinReader) Readline() (string, error) {
	fmt.Print("You: ")
	line, err := s.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (stdinReader) Close() error { return nil }

func runChat(cmd *cobra.Command, opts *rootOptions, participant string) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg, opts.debug)
	if participant == "" {
		participant = cfg.Agent.ParticipantID
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	a, err := newApp(cfg, provider, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	persona, err := a.ensurePersona(ctx)
	if err != nil {
		return fmt.Errorf("ensure persona: %w", err)
	}
	conv, _, err := a.store.GetOrCreateConversation(ctx, participant, persona.ID)
	if err != nil {
		return err
	}
	// The terminal is the conversation view.
	a.presence.Set(conv.ID, messaging.ViewState{Focused: true})

	if err := a.startBackground(ctx); err != nil {
		return err
	}
	defer a.stopBackground()

	var (
		reader lineReader
		out    io.Writer = cmd.OutOrStdout()
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".chatwithai_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\nFalling back to simple input mode...\n", err)
		reader = stdinReader{r: bufio.NewReader(os.Stdin)}
	} else {
		reader = rl
		out = rl.Stdout()
	}
	defer reader.Close()

	go printEvents(ctx, out, a, conv, persona)

	fmt.Fprintf(out, "Chatting with %s (Ctrl+C to exit)\n\n", persona.FullName())
	go func() {
		<-ctx.Done()
		_ = reader.Close()
	}()
	for {
		line, err := reader.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}
		if _, err := a.sendHuman(ctx, conv.ID, input); err != nil {
			if errors.Is(err, store.ErrConversationInactive) {
				fmt.Fprintln(out, "This season has ended. Restart chat to meet the new persona.")
				return nil
			}
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

// printEvents renders the persona's side of the conversation and marks
// what was shown as read.
func printEvents(ctx context.Context, out io.Writer, a *app, conv store.Conversation, persona store.Persona) {
	sub := a.bus.Subscribe(bus.AllConversations)
	defer sub.Cancel()
	name := persona.FullName()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch {
			case ev.Type == bus.EventSeasonRotated:
				fmt.Fprintln(out, "\n[A new season has started. This conversation has ended.]")
			case ev.ConversationID != conv.ID:
			case ev.Type == bus.EventMessage && ev.Message != nil && ev.Message.Sender == string(store.SenderAgent):
				fmt.Fprintf(out, "%s: %s\n", name, ev.Message.Content)
				if _, err := a.receipts.MarkRead(ctx, conv.ID, []string{ev.Message.ID}, false); err != nil && ctx.Err() == nil {
					fmt.Fprintf(out, "(read receipt failed: %v)\n", err)
				}
			case ev.Type == bus.EventTyping && ev.Typing != nil && *ev.Typing:
				fmt.Fprintf(out, "(%s is typing...)\n", name)
			case ev.Type == bus.EventReadReceipt:
				fmt.Fprintln(out, "(read)")
			}
		}
	}
}
