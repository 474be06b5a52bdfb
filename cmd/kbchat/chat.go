package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/castoria/kbchat/internal/chat"
	"github.com/castoria/kbchat/internal/clarify"
	"github.com/castoria/kbchat/internal/feedback"
	"github.com/castoria/kbchat/internal/kbapi"
	"github.com/castoria/kbchat/internal/source"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with the knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		tracker := feedback.NewTracker(kbapi.FeedbackService{Client: client})
		session := chat.NewSession(kbapi.AgentService{Client: client}, tracker)
		return chatLoop(cmd.Context(), os.Stdin, os.Stdout, session, tracker)
	},
}

const chatHelp = `Commands:
  /like               rate the last answer positively
  /dislike [comment]  rate negatively; first call opens a comment, repeat to send
  /sources            list the sources behind the last answer
  /cancel             abandon a pending clarification
  /help               show this help
  /quit               leave the chat`

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, session *chat.Session, tracker *feedback.Tracker) error {
	fmt.Fprintln(out, colorize(colorBold, "Ask the knowledge base anything. /help lists commands."))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt(session))
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, out, line, session, tracker); quit {
				return nil
			}
			continue
		}

		if session.State() == chat.StateAwaitingClarification {
			answerClarification(ctx, out, line, session)
			continue
		}

		turn, err := session.SubmitQuery(ctx, line)
		if err != nil {
			switch {
			case errors.Is(err, chat.ErrBusy):
				printWarning("Still waiting on the previous answer.")
			case errors.Is(err, chat.ErrClarificationPending):
				printWarning("Answer or /cancel the pending clarification first.")
			default:
				printError("%v", err)
			}
			continue
		}
		renderAgentTurn(out, turn)
	}
	return scanner.Err()
}

func prompt(session *chat.Session) string {
	if session.State() == chat.StateAwaitingClarification {
		return colorize(colorYellow, "clarify> ")
	}
	return colorize(colorCyan, "you> ")
}

func handleCommand(ctx context.Context, out io.Writer, line string, session *chat.Session, tracker *feedback.Tracker) (quit bool) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/sources":
		showSources(out, session)
	case "/cancel":
		turn, err := session.CancelClarification()
		if err != nil {
			printWarning("No clarification is pending.")
			break
		}
		fmt.Fprintln(out, turn.Text)
	case "/like":
		rateLast(ctx, session, tracker, feedback.RatingLike, "")
	case "/dislike":
		rateLast(ctx, session, tracker, feedback.RatingDislike, rest)
	default:
		printWarning("Unknown command %s. /help lists commands.", cmd)
	}
	return false
}

func rateLast(ctx context.Context, session *chat.Session, tracker *feedback.Tracker, rating feedback.Rating, comment string) {
	turn, ok := session.LastAgentTurn()
	if !ok {
		printWarning("Nothing to rate yet.")
		return
	}

	if rating == feedback.RatingLike {
		if err := tracker.Like(ctx, turn.ID); err != nil {
			// Rating failures stay quiet; the rollback allows a retry.
			printWarning("Could not record feedback, try again.")
			return
		}
		printSuccess("Feedback recorded")
		return
	}

	awaiting, err := tracker.RequestDislike(ctx, turn.ID, comment)
	if err != nil {
		printWarning("Could not record feedback, try again.")
		return
	}
	if awaiting {
		printStep("Add an optional comment and repeat: /dislike <comment> (or /dislike to send without)")
		return
	}
	printSuccess("Feedback recorded")
}

func showSources(out io.Writer, session *chat.Session) {
	turn, ok := session.LastAgentTurn()
	if !ok || len(turn.Sources) == 0 {
		fmt.Fprintln(out, "No sources for the last answer.")
		return
	}
	for i, src := range turn.Sources {
		fmt.Fprintf(out, "%2d. %s\n", i+1, renderSource(src))
	}
}

func renderSource(src source.Source) string {
	switch s := src.(type) {
	case source.Document:
		label := s.DocumentName
		if s.PageNumber != nil {
			label = fmt.Sprintf("%s, page %d", label, *s.PageNumber)
		}
		if s.Preview != "" {
			label += " — " + s.Preview
		}
		return colorize(colorBold, "[doc] ") + label
	case source.Web:
		label := s.URL
		if s.Title != "" {
			label = s.Title + " <" + s.URL + ">"
		}
		return colorize(colorBold, "[web] ") + label
	case source.StructuredQuery:
		label := s.APIName
		if s.Summary != "" {
			label += " — " + s.Summary
		}
		return colorize(colorBold, "[query] ") + label
	case source.GeneratedArtifact:
		label := s.Title
		if label == "" {
			label = "generated content"
		}
		return colorize(colorBold, "[generated] ") + label
	default:
		return colorize(colorBold, "[other] ") + fmt.Sprintf("unrecognized source (%s)", src.Kind())
	}
}

func renderAgentTurn(out io.Writer, turn chat.Turn) {
	fmt.Fprintln(out, turn.Text)

	if c := turn.Clarification; c != nil {
		renderClarification(out, *c)
		return
	}
	if n := len(turn.Sources); n > 0 {
		fmt.Fprintln(out, colorize(colorCyan, fmt.Sprintf("(%d sources, /sources to list)", n)))
	}
}

func renderClarification(out io.Writer, c clarify.Request) {
	if c.Kind == clarify.KindMultipleChoice {
		for i, opt := range c.Options {
			fmt.Fprintf(out, "  %d. %s\n", i+1, opt.Text)
		}
		max := c.EffectiveMaxSelections()
		if max > 1 {
			fmt.Fprintf(out, "Pick up to %d option numbers (space-separated), or /cancel.\n", max)
		} else {
			fmt.Fprintln(out, "Pick an option number, or /cancel.")
		}
		return
	}
	fmt.Fprintln(out, "Type your answer, or /cancel.")
}

// answerClarification parses the user's line against the active clarification
// and submits it when complete.
func answerClarification(ctx context.Context, out io.Writer, line string, session *chat.Session) {
	req, ok := session.ActiveClarification()
	if !ok {
		return
	}

	sel := clarify.NewSelection(req)
	if req.Kind == clarify.KindMultipleChoice {
		for _, field := range strings.Fields(line) {
			n, err := strconv.Atoi(field)
			if err != nil || n < 1 || n > len(req.Options) {
				printWarning("%q is not an option number (1-%d).", field, len(req.Options))
				return
			}
			sel.Toggle(req.Options[n-1].ID)
		}
	} else {
		sel.SetText(line)
	}

	if !sel.CanSubmit() {
		printWarning("Answer is incomplete.")
		return
	}

	turn, err := session.SubmitClarification(ctx, sel.EncodeAnswer())
	if err != nil {
		printError("%v", err)
		return
	}
	renderAgentTurn(out, turn)
}
