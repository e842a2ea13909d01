package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	roomchat "github.com/roomchat/roomchat/sdk/golang"
)

var errNotLoggedIn = errors.New("not logged in; run 'roomchat login <user-id> --token <token>' first")

// newClient creates a REST client for the configured server and session.
func newClient(cfg *Config) *roomchat.Client {
	var opts []roomchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, roomchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return roomchat.NewClient(cfg.Auth.Token, opts...)
}

// requireSession returns the stored session or errNotLoggedIn.
func requireSession(cfg *Config) (roomchat.Session, error) {
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return roomchat.Session{}, errNotLoggedIn
	}
	return roomchat.Session{
		UserID:   roomchat.ID(cfg.Auth.UserID),
		Username: cfg.Auth.Username,
		Token:    cfg.Auth.Token,
	}, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(w, string(b))
	return nil
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// ============================================================================
// Message rendering
// ============================================================================

func formatMessage(m roomchat.Message) string {
	name := valueOrDefault(m.SenderName, "user "+m.SenderID.String())
	content := m.Content
	if m.IsGif {
		content = "[gif] " + content
	}
	line := fmt.Sprintf("[%s] %s: %s", m.SentAt.Local().Format("15:04"), name, content)
	if m.Pending {
		line += " (sending)"
	}
	return line
}

func formatSummary(s *roomchat.MessageSummary) string {
	if s == nil {
		return "(no messages)"
	}
	content := s.Content
	if s.IsGif {
		content = "[gif]"
	}
	if utf8.RuneCountInString(content) > 40 {
		content = string([]rune(content)[:37]) + "..."
	}
	return valueOrDefault(s.SenderName, "user "+s.SenderID.String()) + ": " + content
}

// messagePrinter writes each timeline entry once, however often the
// timeline is re-rendered. Confirmed optimistic entries are not repeated.
type messagePrinter struct {
	out io.Writer

	mu   sync.Mutex
	seen map[string]bool
}

func newMessagePrinter(out io.Writer) *messagePrinter {
	return &messagePrinter{out: out, seen: make(map[string]bool)}
}

func (p *messagePrinter) print(msgs []roomchat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		keys := messageKeys(m)
		printed := false
		for _, k := range keys {
			if p.seen[k] {
				printed = true
			}
			p.seen[k] = true
		}
		if !printed {
			fmt.Fprintln(p.out, formatMessage(m))
		}
	}
}

func messageKeys(m roomchat.Message) []string {
	var keys []string
	if !m.ID.IsZero() {
		keys = append(keys, "id:"+m.ID.String())
	}
	if m.ClientID != "" {
		keys = append(keys, "client:"+m.ClientID)
	}
	if len(keys) == 0 {
		keys = append(keys, "content:"+m.SenderID.String()+"\x00"+m.Content)
	}
	return keys
}
