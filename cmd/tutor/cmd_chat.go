package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lateraltutor/internal/dialogue"
	"lateraltutor/internal/types"
)

var chatSessionID string

// chatCmd runs a terminal session
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run a tutoring session in the terminal",
	Long: `Starts a session and reads student turns from stdin.

Commands inside the chat:
  /image <path> [text]   attach an image file to the turn
  /status                show stage, progress and persistence status
  /quit                  leave the session`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	id := chatSessionID
	if id == "" {
		id = uuid.NewString()
	}
	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
	loop := &chatLoop{
		orch:        d.orch,
		out:         cmd.OutOrStdout(),
		renderer:    renderer,
		maxOffTopic: cfg.Dialogue.MaxOffTopic,
	}
	return loop.run(ctx, id, cmd.InOrStdin())
}

// chatLoop drives one terminal session.
type chatLoop struct {
	orch        *dialogue.Orchestrator
	out         io.Writer
	renderer    *glamour.TermRenderer // nil prints plain text
	maxOffTopic int
}

func (l *chatLoop) run(ctx context.Context, sessionID string, in io.Reader) error {
	fmt.Fprintln(l.out, titleStyle.Render("Lateral reading tutor")+"  "+mutedStyle.Render("session "+sessionID))

	sess, reply, err := l.orch.Start(ctx, sessionID, types.Scenario{})
	if err != nil {
		return err
	}
	l.show(reply)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(l.out, promptStyle.Render("you › "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		var input dialogue.UserInput
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/status":
			l.status(sess)
			continue
		case strings.HasPrefix(line, "/image "):
			input, err = readImageTurn(strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
			if err != nil {
				fmt.Fprintln(l.out, errorStyle.Render(err.Error()))
				continue
			}
		default:
			input = dialogue.UserInput{Text: line}
		}

		reply, err := l.orch.HandleTurn(ctx, sess, input)
		if err != nil {
			if errors.Is(err, dialogue.ErrSessionTerminated) {
				break
			}
			fmt.Fprintln(l.out, errorStyle.Render(err.Error()))
			continue
		}
		l.show(reply)
		if reply.Terminated {
			break
		}
	}

	if sess.Terminated() {
		fmt.Fprintln(l.out, mutedStyle.Render("saving session..."))
		sess.Wait()
		l.status(sess)
	}
	return scanner.Err()
}

// readImageTurn parses "/image <path> [text]".
func readImageTurn(arg string) (dialogue.UserInput, error) {
	path, text, _ := strings.Cut(arg, " ")
	if path == "" {
		return dialogue.UserInput{}, fmt.Errorf("usage: /image <path> [text]")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return dialogue.UserInput{}, fmt.Errorf("read image: %w", err)
	}
	return dialogue.UserInput{
		Text:  strings.TrimSpace(text),
		Image: &types.Attachment{Data: data, MIMEType: http.DetectContentType(data)},
	}, nil
}

func (l *chatLoop) show(reply *dialogue.Reply) {
	if reply == nil {
		return
	}
	if reply.Failure != nil {
		fmt.Fprintln(l.out, errorStyle.Render(reply.Failure.Message))
		return
	}
	text := reply.Turn.Content
	if reply.Turn.Directive != nil {
		text = reply.Turn.Directive.AgentResponse
	}
	if l.renderer != nil {
		if rendered, err := l.renderer.Render(text); err == nil {
			text = rendered
		}
	}
	fmt.Fprintln(l.out, strings.TrimRight(text, "\n"))
	if reply.ImageURL != "" {
		fmt.Fprintln(l.out, mutedStyle.Render("image: "+reply.ImageURL))
	}
	if reply.WebURL != "" && !reply.WebRead {
		fmt.Fprintln(l.out, warnStyle.Render("could not read "+reply.WebURL))
	}
	fmt.Fprintln(l.out, statusLine(reply.Stage, reply.Progress, reply.OffTopicCount, l.maxOffTopic))
	if reply.Terminated && reply.VerificationCode != "" {
		fmt.Fprintln(l.out, codeBoxStyle.Render("Verification code: "+reply.VerificationCode))
	}
}

func (l *chatLoop) status(sess *dialogue.Session) {
	snap := sess.Snapshot()
	fmt.Fprintln(l.out, statusLine(snap.Stage, snap.Progress, snap.OffTopicCount, l.maxOffTopic))
	if snap.Terminated {
		fmt.Fprintln(l.out, mutedStyle.Render(fmt.Sprintf("verification: %s  log: %s", snap.Verification.Status, snap.LogFlush.Status)))
		for _, st := range []dialogue.SyncState{snap.Verification, snap.LogFlush} {
			if st.Error != "" {
				fmt.Fprintln(l.out, warnStyle.Render(st.Error))
			}
		}
	}
}
