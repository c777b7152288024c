package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/chat"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/internal/tui"
)

const clearScreen = "\033[H\033[2J"

const helpText = `/open <id|n>       switch conversation
/up [n], /down [n] scroll; /down with no count jumps to the newest
/refresh           reload after live updates stopped
/retry [n]         resend the nth failed message (default: latest)
/attach <path>     share a file
/voice <file> <s>  send a voice note lasting s seconds
/who               list participants
/quit              leave`

// command is one parsed slash command.
type command struct {
	name string
	args []string
}

// parseCommand splits a slash command. A leading "//" escapes a literal
// slash, so the line is sent as text.
func parseCommand(line string) (command, bool) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{}, false
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// countArg parses an optional positive count.
func (c command) countArg(def int) (int, error) {
	if len(c.args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(c.args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("/%s expects a positive number", c.name)
	}
	return n, nil
}

var errQuit = errors.New("quit")

type repl struct {
	ctx context.Context
	in  io.Reader
	out io.Writer

	sess     *chat.Session
	sub      *chat.Subscription
	composer *chat.Composer
	screen   *tui.Screen

	notes  chan string
	notice string
}

func newREPL(ctx context.Context, me model.User, in io.Reader, out io.Writer) *repl {
	cfg := app.cfg
	sess := chat.NewSession(me, chat.NewStore(chat.WithMatchWindow(cfg.MatchWindow)))
	return &repl{
		ctx:  ctx,
		in:   in,
		out:  out,
		sess: sess,
		sub:  chat.NewSubscription(sess, app.client, chat.WithSubscriptionLogger(app.log)),
		composer: chat.NewComposer(sess, app.client,
			chat.WithWriteTimeout(cfg.WriteTimeout),
			chat.WithComposerLogger(app.log),
		),
		screen: tui.NewScreen(sess, cfg.ViewHeight, float64(cfg.ScrollEpsilon)),
		notes:  make(chan string, 8),
	}
}

func (r *repl) close() {
	if err := r.sub.Close(); err != nil {
		app.log.Debug("subscription close failed", zap.Error(err))
	}
	r.composer.Wait()
}

// run reads input lines until EOF, /quit, or cancellation, redrawing
// whenever the screen changes.
func (r *repl) run() error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-r.ctx.Done():
				return
			}
		}
	}()

	r.redraw()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-r.screen.Updates():
			r.redraw()
		case note := <-r.notes:
			r.notice = note
			r.redraw()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.handle(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.notice = err.Error()
			}
			r.redraw()
		}
	}
}

func (r *repl) note(format string, args ...interface{}) {
	select {
	case r.notes <- fmt.Sprintf(format, args...):
	default:
	}
}

func (r *repl) redraw() {
	fmt.Fprint(r.out, clearScreen)
	fmt.Fprintln(r.out, r.screen.Frame(r.status()))
	fmt.Fprint(r.out, "> ")
}

func (r *repl) status() string {
	parts := []string{r.sub.State().String()}
	if r.sub.Degraded() {
		parts = append(parts, "live updates stopped, /refresh")
	}
	if n := r.sess.Store().Pending(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d sending", n))
	}
	if n := len(tui.Failed(r.sess.Store().View())); n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed, /retry", n))
	}
	if r.notice != "" {
		parts = append(parts, r.notice)
		r.notice = ""
	}
	return strings.Join(parts, " · ")
}

func (r *repl) open(id string) {
	if err := r.sub.Select(r.ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			r.notice = "no such conversation: " + id
			return
		}
		r.notice = err.Error()
	}
}

func (r *repl) handle(line string) error {
	cmd, ok := parseCommand(line)
	if !ok {
		if strings.HasPrefix(line, "//") {
			line = line[1:]
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
		r.composer.SetDraft(line)
		receipt, err := r.composer.SubmitDraft(r.ctx)
		if err != nil {
			return err
		}
		r.watch(receipt)
		return nil
	}

	switch cmd.name {
	case "quit", "q", "exit":
		return errQuit
	case "help":
		r.notice = strings.ReplaceAll(helpText, "\n", " | ")
	case "open":
		if len(cmd.args) != 1 {
			return errors.New("usage: /open <id|n>")
		}
		id, err := resolveConversation(r.ctx, cmd.args[0])
		if err != nil {
			return err
		}
		r.open(id)
	case "up":
		n, err := cmd.countArg(app.cfg.ViewHeight - 1)
		if err != nil {
			return err
		}
		r.screen.Scroll(-n)
	case "down":
		n, err := cmd.countArg(1 << 30)
		if err != nil {
			return err
		}
		r.screen.Scroll(n)
	case "refresh":
		return r.sub.Refresh(r.ctx)
	case "retry":
		return r.retry(cmd)
	case "attach":
		if len(cmd.args) != 1 {
			return errors.New("usage: /attach <path>")
		}
		a, kind, err := attachmentFor(cmd.args[0])
		if err != nil {
			return err
		}
		receipt, err := r.composer.SubmitAttachment(r.ctx, a, kind)
		if err != nil {
			return err
		}
		r.watch(receipt)
	case "voice":
		if len(cmd.args) != 2 {
			return errors.New("usage: /voice <file> <seconds>")
		}
		audio, dur, err := voiceNote(cmd.args[0], cmd.args[1])
		if err != nil {
			return err
		}
		receipt, err := r.composer.SubmitVoiceNote(r.ctx, audio, dur)
		if err != nil {
			return err
		}
		r.watch(receipt)
	case "who":
		var names []string
		for _, p := range r.sess.Participants() {
			name := p.UserID
			if p.User != nil && p.User.FullName != "" {
				name = p.User.FullName
			}
			if p.Role != "" {
				name += " (" + string(p.Role) + ")"
			}
			names = append(names, name)
		}
		if len(names) == 0 {
			return errors.New("no conversation open")
		}
		r.notice = strings.Join(names, ", ")
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	return nil
}

func (r *repl) retry(cmd command) error {
	failed := tui.Failed(r.sess.Store().View())
	if len(failed) == 0 {
		return errors.New("nothing to retry")
	}
	n, err := cmd.countArg(len(failed))
	if err != nil {
		return err
	}
	if n > len(failed) {
		return fmt.Errorf("only %d failed messages", len(failed))
	}
	receipt, err := r.composer.Retry(r.ctx, failed[n-1].ID)
	if err != nil {
		return err
	}
	r.watch(receipt)
	return nil
}

// watch surfaces a failed send once its write settles.
func (r *repl) watch(receipt *chat.Receipt) {
	go func() {
		if _, err := receipt.Wait(r.ctx); err != nil && r.ctx.Err() == nil {
			r.note("not sent: %v", err)
		}
	}()
}

// attachmentFor describes a local file as an attachment, picking the message
// kind from its detected content type.
func attachmentFor(path string) (chat.Attachment, model.MessageKind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return chat.Attachment{}, "", err
	}
	if info.IsDir() {
		return chat.Attachment{}, "", fmt.Errorf("%s is a directory", path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return chat.Attachment{}, "", fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return chat.Attachment{}, "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	a := chat.Attachment{Name: filepath.Base(path), Size: info.Size(), URL: u.String()}
	return a, attachmentKind(mt.String()), nil
}

func attachmentKind(mime string) model.MessageKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.KindImage
	case strings.HasPrefix(mime, "video/"):
		return model.KindVideo
	default:
		return model.KindFile
	}
}

// voiceNote reads an audio recording and its stated length.
func voiceNote(path, seconds string) ([]byte, time.Duration, error) {
	secs, err := strconv.ParseFloat(seconds, 64)
	if err != nil || secs <= 0 {
		return nil, 0, fmt.Errorf("invalid duration %q", seconds)
	}
	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if mt := mimetype.Detect(audio); !strings.HasPrefix(mt.String(), "audio/") {
		return nil, 0, fmt.Errorf("%s is %s, not audio", path, mt.String())
	}
	return audio, time.Duration(secs * float64(time.Second)), nil
}
