package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/quiche/internal/channel"
	"github.com/michaelbrown/quiche/internal/client"
	"github.com/michaelbrown/quiche/internal/server"
	"github.com/michaelbrown/quiche/internal/submission"
)

var (
	channelFlag   string
	requesterFlag string
	entryFlag     string
)

var attachCmd = &cobra.Command{
	Use:   "attach [file...]",
	Short: "Attach to a channel and run programs interactively",
	Long: `Attach to a channel websocket as a requester. Files given on the command
line are submitted as a run right away. Anything you type is sent to the
running program's stdin; type "exit" to stop it.

Examples:
  quiche attach main.py
  quiche attach --as alice --entry app.py app.py util.py`,
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&channelFlag, "channel", "cli", "Channel to attach to")
	attachCmd.Flags().StringVar(&requesterFlag, "as", os.Getenv("USER"), "Requester id")
	attachCmd.Flags().StringVar(&entryFlag, "entry", "", "Entry file when several files are submitted")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	if requesterFlag == "" {
		return fmt.Errorf("--as is required when $USER is unset")
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	sess, err := c.Attach(context.Background(), channelFlag, requesterFlag)
	if err != nil {
		return err
	}
	defer sess.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "quiche_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "Quiche - attached to %s as %s\n", channelFlag, requesterFlag)
	fmt.Fprintf(rl.Stdout(), "Type /help for commands, /quit to detach\n\n")

	go printFrames(sess, rl.Stdout())

	if len(args) > 0 {
		if err := submitFiles(sess, args, entryFlag); err != nil {
			return err
		}
	}

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}

		if strings.HasPrefix(input, "/") {
			quit, err := handleAttachCommand(sess, input, rl.Stdout())
			if err != nil {
				fmt.Fprintf(rl.Stdout(), "\033[31merror: %s\033[0m\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := sess.Send(input); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
	}
}

func handleAttachCommand(sess *client.Session, input string, out io.Writer) (bool, error) {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/q":
		return true, nil
	case "/run":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /run <file...>")
		}
		return false, submitFiles(sess, fields[1:], "")
	case "/exit":
		return false, sess.Exit()
	case "/queue":
		return false, sess.Queue()
	case "/help":
		fmt.Fprintln(out, "Commands:")
		fmt.Fprintln(out, "  /run <file...> - Submit files as a run")
		fmt.Fprintln(out, "  /exit          - Terminate your run")
		fmt.Fprintln(out, "  /queue         - Show active and queued sessions")
		fmt.Fprintln(out, "  /quit          - Detach (terminates your run)")
		fmt.Fprintln(out)
	default:
		fmt.Fprintf(out, "Unknown command: %s (try /help)\n\n", input)
	}
	return false, nil
}

func submitFiles(sess *client.Session, paths []string, entry string) error {
	files := make([]submission.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, submission.File{Name: filepath.Base(p), Data: data})
	}
	return sess.Run(submission.Payload{Attachments: files, EntryName: entry})
}

func printFrames(sess *client.Session, out io.Writer) {
	for {
		f, err := sess.Next()
		if err != nil {
			fmt.Fprintf(out, "\n\033[31mdisconnected: %s\033[0m\n", err)
			return
		}
		switch f.Type {
		case server.FrameText:
			fmt.Fprint(out, f.Content)
			if !strings.HasSuffix(f.Content, "\n") && !strings.HasSuffix(f.Content, ": ") {
				fmt.Fprintln(out)
			}
		case server.FrameEmbed:
			printEmbed(out, f.Embed)
		case server.FrameError:
			fmt.Fprintf(out, "\033[31m%s\033[0m\n", f.Content)
		}
	}
}

func printEmbed(out io.Writer, e *channel.Embed) {
	if e == nil {
		return
	}
	fmt.Fprintf(out, "\033[33m── %s\033[0m\n", e.Title)
	for _, field := range e.Fields {
		lines := strings.Split(field.Value, "\n")
		fmt.Fprintf(out, "  \033[90m%s:\033[0m %s\n", field.Name, lines[0])
		for _, l := range lines[1:] {
			fmt.Fprintf(out, "  %s  %s\n", strings.Repeat(" ", len(field.Name)), l)
		}
	}
}
