package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"scout/internal/config"
	"scout/internal/session"
)

var commandSuggestions = []prompt.Suggest{
	{Text: ":help", Description: "Show available commands"},
	{Text: ":tools", Description: "List the research tools"},
	{Text: ":prompts", Description: "List prebuilt research tasks"},
	{Text: ":new", Description: "Start a fresh conversation"},
	{Text: ":quit", Description: "Exit"},
}

// pollInterval paces the snapshot loop while a run is in flight.
const pollInterval = 400 * time.Millisecond

type promptExit struct{}

// CLI is an interactive terminal frontend over the same store the HTTP
// API uses.
type CLI struct {
	store    *session.Store
	cfg      *config.Config
	toolDefs []string
	renderer *glamour.TermRenderer
	chatID   string
}

func NewCLI(store *session.Store, cfg *config.Config, toolNames []string) *CLI {
	var renderer *glamour.TermRenderer
	if term.IsTerminal(int(os.Stdout.Fd())) {
		width := 0
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
			width = w - 2
		}
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		); err == nil {
			renderer = r
		}
	}
	return &CLI{store: store, cfg: cfg, toolDefs: toolNames, renderer: renderer}
}

// Run starts the REPL and blocks until the user exits or ctx is
// cancelled.
func (c *CLI) Run(ctx context.Context, cancel context.CancelFunc) (err error) {
	fmt.Printf("scout (%s). Type a research task, or :help for commands.\n", c.cfg.Model)

	var restore func()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if state, terr := term.GetState(fd); terr == nil {
			restore = func() { _ = term.Restore(fd, state) }
		}
	}
	if restore != nil {
		defer restore()
	}

	var exitRequested atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(promptExit); ok {
				err = nil
				return
			}
			panic(r)
		}
	}()

	executor := func(in string) {
		if exitRequested.Load() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in)
		if line == "" {
			return
		}
		if exit := c.handleLine(ctx, line); exit {
			exitRequested.Store(true)
			cancel()
			panic(promptExit{})
		}
	}

	p := prompt.New(
		executor,
		c.completer,
		prompt.OptionTitle("Scout"),
		prompt.OptionLivePrefix(func() (string, bool) {
			if c.chatID == "" {
				return "scout > ", true
			}
			return fmt.Sprintf("[%s] > ", c.chatID[:8]), true
		}),
		prompt.OptionAddKeyBind(prompt.KeyBind{
			Key: prompt.ControlD,
			Fn: func(buf *prompt.Buffer) {
				if buf.Text() == "" {
					exitRequested.Store(true)
					cancel()
					panic(promptExit{})
				}
			},
		}),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			if exitRequested.Load() {
				return true
			}
			select {
			case <-ctx.Done():
				return true
			default:
				return false
			}
		}),
	)

	p.Run()
	return nil
}

func (c *CLI) completer(doc prompt.Document) []prompt.Suggest {
	word := doc.GetWordBeforeCursor()
	prefix := strings.TrimLeft(doc.TextBeforeCursor(), " \t")
	if !strings.HasPrefix(prefix, ":") {
		return nil
	}
	return prompt.FilterHasPrefix(commandSuggestions, word, true)
}

func (c *CLI) handleLine(ctx context.Context, line string) bool {
	switch {
	case line == ":quit" || line == ":exit":
		return true
	case line == ":help":
		for _, s := range commandSuggestions {
			fmt.Printf("  %-10s %s\n", s.Text, s.Description)
		}
		return false
	case line == ":tools":
		for _, name := range c.toolDefs {
			fmt.Println("  " + name)
		}
		return false
	case line == ":prompts":
		if len(c.cfg.PrebuiltPrompts) == 0 {
			fmt.Println("  (none configured)")
			return false
		}
		for _, p := range c.cfg.PrebuiltPrompts {
			fmt.Printf("  %-20s %s\n", p.ID, p.Label)
		}
		return false
	case line == ":new":
		c.chatID = ""
		fmt.Println("(started a new conversation)")
		return false
	case strings.HasPrefix(line, ":"):
		fmt.Printf("unknown command %s; try :help\n", line)
		return false
	}
	c.submit(ctx, line)
	return false
}

// submit runs one task and streams progress to the terminal until the
// run finishes.
func (c *CLI) submit(ctx context.Context, text string) {
	sess := c.store.CreateOrGet(c.chatID)
	c.chatID = sess.ID()
	if err := c.store.StartRun(c.chatID, text); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	c.follow(ctx, c.chatID, sess.MessageCount())
}

// RunOnce executes a single task non-interactively and prints the final
// answer. Used for the -p flag.
func (c *CLI) RunOnce(ctx context.Context, text string) error {
	sess := c.store.CreateOrGet("")
	if err := c.store.StartRun(sess.ID(), text); err != nil {
		return err
	}
	c.follow(ctx, sess.ID(), 1)
	return nil
}

func (c *CLI) follow(ctx context.Context, chatID string, since int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
		snapshot, err := c.store.SnapshotSince(chatID, since)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		for _, msg := range snapshot.Messages {
			c.printMessage(msg)
		}
		since = snapshot.TotalMessages
		if !snapshot.IsProcessing {
			return
		}
	}
}

func (c *CLI) printMessage(msg session.Message) {
	switch msg.Role {
	case session.RoleToolActivity:
		fmt.Printf("  · %s (%dms)\n", describeToolCall(msg), msg.ToolDurationMS)
	case session.RoleFile:
		fmt.Printf("  ↓ saved %s (%d bytes)\n", msg.Filename, msg.FileSize)
	case session.RoleSystem:
		fmt.Printf("  ! %s\n", msg.Content)
	case session.RoleAssistant:
		if !msg.Final {
			fmt.Println(msg.Content)
			return
		}
		if c.renderer != nil {
			if out, err := c.renderer.Render(msg.Content); err == nil {
				fmt.Print(out)
				return
			}
		}
		fmt.Println(msg.Content)
	}
}

func describeToolCall(msg session.Message) string {
	switch msg.ToolName {
	case "search_web":
		if q, ok := msg.ToolArgs["query"].(string); ok {
			return fmt.Sprintf("search_web %q", q)
		}
	case "scrape_page":
		if u, ok := msg.ToolArgs["url"].(string); ok {
			return "scrape_page " + u
		}
	case "download_file":
		if f, ok := msg.ToolArgs["filename"].(string); ok {
			return "download_file " + f
		}
	}
	return msg.ToolName
}
