package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/sessions"
)

// Workspace document names, read in this order for the system prompt.
const (
	PersonalityFile = "PERSONALITY.md"
	UserFile        = "USER.md"
	IdentityFile    = "IDENTITY.md"
	MemoryFile      = "MEMORY.md"
	BootstrapFile   = "BOOTSTRAP.md"
	dailyDir        = "daily"
)

var workspaceFiles = []string{
	PersonalityFile,
	UserFile,
	IdentityFile,
	MemoryFile,
}

// placeholderTokens mark a template document that was never filled in.
var placeholderTokens = []string{
	"{{", "}}",
	"<your name>",
	"<fill in>",
	"TODO: fill",
	"(placeholder)",
}

// ToolInfo is the name+description pair announced to the system prompt.
type ToolInfo struct {
	Name        string
	Description string
}

// Controller builds per-turn model context and decides when a session's
// history needs compression.
type Controller struct {
	workspace  string
	keepRecent int
	maxBefore  int

	mu    sync.RWMutex
	tools []ToolInfo
	docs  map[string]string // cached workspace docs

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewController creates a controller over a workspace directory.
// keepRecent is the trailing-history window (default 10); maxBefore is
// the message count that forces compression (default 100).
func NewController(workspace string, keepRecent, maxBefore int) *Controller {
	if keepRecent <= 0 {
		keepRecent = 10
	}
	if maxBefore <= 0 {
		maxBefore = 100
	}
	c := &Controller{
		workspace:  workspace,
		keepRecent: keepRecent,
		maxBefore:  maxBefore,
		docs:       make(map[string]string),
		done:       make(chan struct{}),
	}
	c.reloadDocs()
	return c
}

// Watch reloads the cached workspace docs when files change on disk.
// Optional; Close stops it.
func (c *Controller) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch workspace: %w", err)
	}
	if err := w.Add(c.workspace); err != nil {
		w.Close()
		return fmt.Errorf("watch workspace: %w", err)
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					slog.Debug("workspace doc changed", "file", ev.Name)
					c.reloadDocs()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("workspace watcher error", "error", err)
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the doc watcher.
func (c *Controller) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// SetTools announces the available tools for the system prompt.
func (c *Controller) SetTools(tools []ToolInfo) {
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
}

func (c *Controller) reloadDocs() {
	docs := make(map[string]string)
	for _, name := range append([]string{BootstrapFile}, workspaceFiles...) {
		data, err := os.ReadFile(filepath.Join(c.workspace, name))
		if err != nil {
			continue
		}
		docs[name] = string(data)
	}

	c.mu.Lock()
	c.docs = docs
	c.mu.Unlock()
}

// BuildContext produces the ordered message sequence for one turn:
// system prompt, labeled summary, then the trailing keep-recent window
// with tool pairing intact.
func (c *Controller) BuildContext(s *sessions.Session) []providers.Message {
	out := []providers.Message{{
		Role:    "system",
		Content: c.SystemPrompt(),
	}}

	if s.Summary != "" {
		out = append(out, providers.Message{
			Role:    "system",
			Content: "Conversation summary so far:\n" + s.Summary,
		})
	}

	out = append(out, KeepRecent(s.Messages, c.keepRecent)...)
	return out
}

// SystemPrompt assembles the workspace documents into one prompt.
// A BOOTSTRAP.md overrides everything else: first-run onboarding owns
// the whole prompt until the document is removed.
func (c *Controller) SystemPrompt() string {
	c.mu.RLock()
	docs := c.docs
	tools := c.tools
	c.mu.RUnlock()

	var sb strings.Builder

	if boot, ok := docs[BootstrapFile]; ok && !isEmptyDoc(boot) {
		sb.WriteString(strings.TrimSpace(boot))
	} else {
		first := true
		for _, name := range workspaceFiles {
			content, ok := docs[name]
			if !ok || isEmptyDoc(content) {
				continue
			}
			if !first {
				sb.WriteString("\n\n")
			}
			sb.WriteString(strings.TrimSpace(content))
			first = false
		}
		if notes := c.recentDailyNotes(3); notes != "" {
			if !first {
				sb.WriteString("\n\n")
			}
			sb.WriteString(notes)
		}
		if sb.Len() == 0 {
			sb.WriteString("You are a helpful personal assistant.")
		}
	}

	if len(tools) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, t := range tools {
			sb.WriteString("- " + t.Name + ": " + t.Description + "\n")
		}
	}

	return sb.String()
}

// recentDailyNotes returns the newest n notes from the daily/ directory.
func (c *Controller) recentDailyNotes(n int) string {
	dir := filepath.Join(c.workspace, dailyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
			names = append(names, e.Name())
		}
	}
	// Daily note names are date-prefixed, so lexical order is date order.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > n {
		names = names[:n]
	}

	var sb strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		data, err := os.ReadFile(filepath.Join(dir, names[i]))
		if err != nil || isEmptyDoc(string(data)) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Daily note " + strings.TrimSuffix(names[i], ".md") + ":\n")
		sb.WriteString(strings.TrimSpace(string(data)))
	}
	return sb.String()
}

// isEmptyDoc reports whether a document is effectively blank: nothing
// but headings, or still carrying template placeholder tokens.
func isEmptyDoc(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	for _, tok := range placeholderTokens {
		if strings.Contains(trimmed, tok) {
			return true
		}
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return false
	}
	return true
}

// NeedsCompression reports whether the session's history should be
// summarized before the next provider call. The check looks at the
// live history only; the lifetime MessageCount is a statistic and
// keeps growing across compactions.
func (c *Controller) NeedsCompression(s *sessions.Session, model string) bool {
	if s.NeedsCompaction {
		return true
	}
	if len(s.Messages) > c.maxBefore {
		return true
	}
	return Check(model, c.BuildContext(s)).ShouldBlock
}

// MessagesForCompression returns the prefix excluded from the
// keep-recent window; these are the messages a summary will replace.
func (c *Controller) MessagesForCompression(s *sessions.Session) []providers.Message {
	recent := KeepRecent(s.Messages, c.keepRecent)
	cut := len(s.Messages) - len(recent)
	if cut <= 0 {
		return nil
	}
	prefix := make([]providers.Message, cut)
	copy(prefix, s.Messages[:cut])
	return prefix
}

// ApplyCompression installs a new summary and drops the compressed
// prefix from the live history.
func (c *Controller) ApplyCompression(s *sessions.Session, newSummary string) {
	recent := KeepRecent(s.Messages, c.keepRecent)
	kept := make([]providers.Message, len(recent))
	copy(kept, recent)

	s.Summary = newSummary
	s.Messages = kept
	s.CompactionCount++
	s.NeedsCompaction = false
	s.LastActive = time.Now()

	slog.Info("memory.compacted",
		"session", s.ID, "kept", len(kept), "compactions", s.CompactionCount)
}
