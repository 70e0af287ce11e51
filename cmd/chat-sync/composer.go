package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

const defaultHistory = 20

// conversations is the part of chat.Manager the composer drives.
type conversations interface {
	Open(ctx context.Context, conversationID string) (*chat.Session, error)
	View() (string, []chat.Message, error)
	Typing() *chat.TypingSignal
	Send(ctx context.Context, req chat.SendRequest) (chat.Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string) (string, error)
	NotifyTyping(ctx context.Context) bool
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdReply
	cmdImage
	cmdReact
	cmdOpen
	cmdWho
	cmdTyping
	cmdHistory
	cmdHelp
)

type command struct {
	kind   commandKind
	target string
	arg    string
	n      int
}

var errUsage = errors.New("usage")

const helpText = `commands:
  <text>                 send a message
  /reply <id> <text>     reply to a message
  /image <url>           send an image
  /react <id> <emoji>    toggle a reaction
  /open <conversation>   switch conversation
  /history [n]           show the newest n messages
  /typing                tell others you are typing
  /who                   show who is typing
  /help                  show this help`

// parseCommand parses one input line. A line starting with "//" sends
// the rest starting with a single "/".
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("%w: empty line", errUsage)
	}

	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, arg: line}, nil
	}

	if strings.HasPrefix(line, "//") {
		return command{kind: cmdSend, arg: line[1:]}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "reply":
		id, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if id == "" || text == "" {
			return command{}, fmt.Errorf("%w: /reply <id> <text>", errUsage)
		}

		return command{kind: cmdReply, target: id, arg: text}, nil
	case "image":
		if rest == "" || strings.Contains(rest, " ") {
			return command{}, fmt.Errorf("%w: /image <url>", errUsage)
		}

		return command{kind: cmdImage, arg: rest}, nil
	case "react":
		id, emoji, _ := strings.Cut(rest, " ")
		emoji = strings.TrimSpace(emoji)
		if id == "" || emoji == "" {
			return command{}, fmt.Errorf("%w: /react <id> <emoji>", errUsage)
		}

		return command{kind: cmdReact, target: id, arg: emoji}, nil
	case "open":
		if rest == "" {
			return command{}, fmt.Errorf("%w: /open <conversation>", errUsage)
		}

		return command{kind: cmdOpen, target: rest}, nil
	case "history":
		n := defaultHistory
		if rest != "" {
			v, err := strconv.Atoi(rest)
			if err != nil || v <= 0 {
				return command{}, fmt.Errorf("%w: /history [n]", errUsage)
			}

			n = v
		}

		return command{kind: cmdHistory, n: n}, nil
	case "typing":
		return command{kind: cmdTyping}, nil
	case "who":
		return command{kind: cmdWho}, nil
	case "help":
		return command{kind: cmdHelp}, nil
	default:
		return command{}, fmt.Errorf("%w: unknown command /%s, try /help", errUsage, name)
	}
}

// composer reads commands from a terminal and applies them to the
// active conversation.
type composer struct {
	convs  conversations
	out    *printer
	logger *slog.Logger
}

func newComposer(convs conversations, out *printer, logger *slog.Logger) *composer {
	return &composer{convs: convs, out: out, logger: logger}
}

// run reads lines from in until ctx is cancelled. When in reaches EOF
// the composer idles so the other services keep running.
func (c *composer) run(ctx context.Context, in io.Reader) error {
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
				c.logger.Debug("input closed")
				<-ctx.Done()

				return nil
			}

			if strings.TrimSpace(line) == "" {
				continue
			}

			if err := c.execute(ctx, line); err != nil {
				c.report(err)
			}
		}
	}
}

func (c *composer) execute(ctx context.Context, line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}

	switch cmd.kind {
	case cmdSend:
		_, err = c.convs.Send(ctx, chat.SendRequest{Body: chat.Body{Text: cmd.arg}})
	case cmdImage:
		_, err = c.convs.Send(ctx, chat.SendRequest{Body: chat.Body{ImageURL: cmd.arg}})
	case cmdReply:
		var target chat.Message

		target, err = c.find(cmd.target)
		if err != nil {
			return err
		}

		_, err = c.convs.Send(ctx, chat.SendRequest{Body: chat.Body{Text: cmd.arg}, Reply: chat.ReplyTo(target)})
	case cmdReact:
		_, err = c.convs.ToggleReaction(ctx, cmd.target, cmd.arg)
	case cmdOpen:
		c.out.focus(cmd.target)
		_, err = c.convs.Open(ctx, cmd.target)
	case cmdHistory:
		var view []chat.Message

		_, view, err = c.convs.View()
		if err == nil {
			c.out.history(view, cmd.n)
		}
	case cmdTyping:
		if !c.convs.NotifyTyping(ctx) {
			c.out.notice("typing signal not sent")
		}
	case cmdWho:
		c.out.typing(c.convs.Typing())
	case cmdHelp:
		c.out.notice(helpText)
	}

	return err
}

func (c *composer) find(id string) (chat.Message, error) {
	_, view, err := c.convs.View()
	if err != nil {
		return chat.Message{}, err
	}

	for _, m := range view {
		if m.ID == id {
			return m, nil
		}
	}

	return chat.Message{}, fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, id)
}

// report shows user mistakes inline and logs everything else.
func (c *composer) report(err error) {
	if errors.Is(err, errUsage) || errors.Is(err, chaterrors.ErrNoActiveConversation) || chat.IsUserError(err) {
		c.out.notice(err.Error())
		return
	}

	c.logger.Warn("command failed", slog.String("error", err.Error()))
	c.out.notice("failed: " + err.Error())
}

// printer renders the conversation on a terminal. Messages are printed
// once; a pending message is printed again when its confirmed record
// arrives. Only the focused conversation is shown.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	me      string
	conv    string
	printed map[string]bool
	typist  string
}

func newPrinter(w io.Writer, me string) *printer {
	return &printer{w: w, me: me, printed: make(map[string]bool)}
}

// focus switches the printer to a conversation. Views still arriving
// from the previous one are dropped.
func (p *printer) focus(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conv = conversationID
	p.printed = make(map[string]bool)
	p.typist = ""
}

func (p *printer) view(view []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range view {
		if m.ConversationID != p.conv || p.printed[m.ID] {
			continue
		}

		p.printed[m.ID] = true
		fmt.Fprintln(p.w, formatMessage(m, p.me))
	}
}

func (p *printer) history(view []chat.Message, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(view) > n {
		view = view[len(view)-n:]
	}

	for _, m := range view {
		p.printed[m.ID] = true
		fmt.Fprintln(p.w, formatMessage(m, p.me))
	}
}

func (p *printer) typing(sig *chat.TypingSignal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sig == nil {
		p.typist = ""
		return
	}

	if sig.ConversationID != p.conv || sig.Name == p.typist {
		return
	}

	p.typist = sig.Name
	fmt.Fprintf(p.w, "  %s is typing...\n", sig.Name)
}

func (p *printer) notice(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, s)
}

func formatMessage(m chat.Message, me string) string {
	var b strings.Builder

	b.WriteString(m.CreatedAt.Local().Format("15:04"))
	b.WriteString(" ")

	if m.Pending() {
		b.WriteString("(sending) ")
	} else {
		b.WriteString("[" + m.ID + "] ")
	}

	b.WriteString(m.AuthorName + ": ")

	if m.Reply != nil {
		fmt.Fprintf(&b, "> %s: %s | ", m.Reply.AuthorName, m.Reply.Snippet)
	}

	if m.Body.ImageURL != "" {
		b.WriteString("[image] " + m.Body.ImageURL)
	} else {
		b.WriteString(m.Body.Text)
	}

	summary := chat.SummarizeReactions(m.Reactions, me)
	for _, g := range summary.Groups {
		fmt.Fprintf(&b, " %s%d", g.Emoji, g.Count)
	}

	return b.String()
}
