package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/chatflow/core"
	"github.com/petal-labs/chatflow/engine"
	"github.com/petal-labs/chatflow/loader"
)

// NewRunCmd creates the "run" subcommand: an interactive chat preview of
// a flow on the terminal.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow as an interactive chat preview",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("channel", "webchat", "Preview channel (whatsapp, sms, webchat, ...)")
	cmd.Flags().String("start", "", "Start node ID override")
	cmd.Flags().StringArray("var", nil, "Seed a variable (repeatable, e.g. --var name=Ann)")
	cmd.Flags().Bool("trace", false, "Print trace events")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	channel, _ := cmd.Flags().GetString("channel")
	startOverride, _ := cmd.Flags().GetString("start")
	varFlags, _ := cmd.Flags().GetStringArray("var")
	showTrace, _ := cmd.Flags().GetBool("trace")
	out := cmd.OutOrStdout()

	flow, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var derr *loader.DiagnosticError
		if errors.As(err, &derr) {
			printDiagnostics(cmd.ErrOrStderr(), derr.Diagnostics, "text")
			return exitError(exitValidation, "flow failed validation")
		}
		return exitError(exitValidation, "loading flow: %v", err)
	}

	initialVars, err := parseVarFlags(varFlags)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	eng := engine.New(engine.Options{
		Channel:     core.Channel(channel),
		InitialVars: initialVars,
	})
	eng.SetFlow(flow.Nodes, flow.Edges)

	// Events are queued from the engine's synchronous handlers and
	// consumed by the chat loop below.
	events := make(chan engine.Event, 1024)
	eng.On(engine.EventAny, func(ev engine.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	start := startOverride
	if start == "" {
		start = flow.StartNodeID
	}
	if err := eng.Start(start); err != nil {
		return exitError(exitRuntime, "starting flow: %v", err)
	}

	return chatLoop(out, cmd.InOrStdin(), eng, events, showTrace)
}

// chatLoop prints bot output and forwards user lines into the engine
// until the run finishes or stdin closes.
func chatLoop(out io.Writer, in io.Reader, eng *engine.Engine, events <-chan engine.Event, showTrace bool) error {
	stdin := bufio.NewScanner(in)

	for ev := range events {
		switch ev.Kind {
		case engine.EventBotMessage:
			printBotMessage(out, ev.Message)

		case engine.EventTrace:
			if showTrace && ev.Trace != nil {
				fmt.Fprintf(out, "  [trace] %s %s %s\n", ev.Trace.Type, ev.Trace.NodeID, ev.Trace.Result)
			}

		case engine.EventError:
			fmt.Fprintf(out, "  [error] node %s: %s\n", ev.Error.NodeID, ev.Error.Message)

		case engine.EventWaitingForInput:
			fmt.Fprint(out, "> ")
			if !stdin.Scan() {
				eng.Stop()
				continue
			}
			eng.PushUserInput(strings.TrimSpace(stdin.Text()))

		case engine.EventDone:
			fmt.Fprintf(out, "-- run %s --\n", ev.Done.Reason)
			return nil
		}
	}
	return nil
}

func printBotMessage(out io.Writer, msg *core.ChatMessage) {
	fmt.Fprintf(out, "bot: %s\n", msg.Text)
	for _, b := range msg.Buttons {
		fmt.Fprintf(out, "  [%s]\n", b.Label)
	}
	for _, a := range msg.Attachments {
		fmt.Fprintf(out, "  (%s: %s)\n", a.Type, a.URL)
	}
}

// parseVarFlags turns repeated key=value flags into an initial variable
// bag.
func parseVarFlags(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(flags))
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", f)
		}
		vars[key] = value
	}
	return vars, nil
}
