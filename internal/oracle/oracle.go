// Package oracle is the LLM gateway of the enrichment pipeline. It asks
// the configured provider chain boolean questions, for line lists, and
// for structured IoC extraction, retrying transient failures with fixed
// backoffs. The Client holds no cache; callers truncate their prompts.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
)

// ErrMalformed marks model output that failed to parse after all retries.
var ErrMalformed = errors.New("oracle: malformed model output")

const (
	malformedDelay = 1 * time.Second
	rateLimitDelay = 5 * time.Second
	serverErrDelay = 5 * time.Second
	transportDelay = 3 * time.Second
)

// completer is one provider backend able to answer a prompt pair.
type completer interface {
	complete(ctx context.Context, system, user string) (string, error)
}

type provider struct {
	label   string
	retries int
	impl    completer
}

// Client walks a provider chain per request: the primary first, then each
// fallback, each with its own retry budget. Safe for concurrent use.
type Client struct {
	providers []provider
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// New builds a Client from the [ai] configuration block.
func New(cfg *config.AI, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("oracle: no [ai] configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}

	chain := append([]config.AI{*cfg}, cfg.Fallback...)
	providers := make([]provider, 0, len(chain))
	for _, block := range chain {
		impl, err := newCompleter(block)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider{
			label:   block.Provider,
			retries: block.Retries,
			impl:    impl,
		})
	}
	return &Client{providers: providers, logger: logger, sleep: sleepCtx}, nil
}

func newCompleter(block config.AI) (completer, error) {
	switch block.Provider {
	case "anthropic":
		return newAnthropicCompleter(block), nil
	case "mistral":
		return newOpenAICompleter(block, mistralBaseURL), nil
	case "openai-compatible":
		return newOpenAICompleter(block, block.BaseURL), nil
	}
	return nil, fmt.Errorf("oracle: unknown provider %q", block.Provider)
}

// AskBool asks a question whose answer is True or False.
func (c *Client) AskBool(ctx context.Context, system, user string) (bool, error) {
	var out bool
	err := c.ask(ctx, system, user, func(resp string) error {
		v, err := ParseBool(resp)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// AskLines asks for a line-per-item list and returns the trimmed,
// non-empty lines with leading list markers removed.
func (c *Client) AskLines(ctx context.Context, system, user string) ([]string, error) {
	var out []string
	err := c.ask(ctx, system, user, func(resp string) error {
		v, err := ParseLines(resp)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RawIoC is one indicator as the model reports it, before validation.
type RawIoC struct {
	Value   string `json:"value"`
	Type    string `json:"type"`
	Comment string `json:"comment"`
}

// AskIoCs asks for indicator extraction and returns the decoded array.
func (c *Client) AskIoCs(ctx context.Context, system, user string) ([]RawIoC, error) {
	var out []RawIoC
	err := c.ask(ctx, system, user, func(resp string) error {
		v, err := ParseIoCs(resp)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// ask walks the provider chain until one parses cleanly.
func (c *Client) ask(ctx context.Context, system, user string, parse func(string) error) error {
	var lastErr error
	for _, p := range c.providers {
		err := c.askProvider(ctx, p, system, user, parse)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		c.logger.Warn("oracle provider failed", "provider", p.label, "error", err)
	}
	return lastErr
}

// askProvider retries one provider. Malformed output and transient
// failures sleep and retry; an HTTP error that is neither a rate limit
// nor a server fault aborts the provider immediately.
func (c *Client) askProvider(ctx context.Context, p provider, system, user string, parse func(string) error) error {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		resp, err := p.impl.complete(ctx, system, user)

		var delay time.Duration
		switch {
		case err == nil:
			perr := parse(resp)
			if perr == nil {
				return nil
			}
			lastErr = fmt.Errorf("%w: %v", ErrMalformed, perr)
			delay = malformedDelay
		default:
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			switch status := httpStatus(err); {
			case status == 429:
				delay = rateLimitDelay
			case status >= 500:
				delay = serverErrDelay
			case status > 0:
				return err
			default:
				delay = transportDelay
			}
		}

		if attempt == p.retries-1 {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// ParseBool reads a True/False answer, tolerating case and trailing prose.
func ParseBool(resp string) (bool, error) {
	fold := strings.ToLower(strings.TrimSpace(resp))
	switch {
	case strings.HasPrefix(fold, "true"):
		return true, nil
	case strings.HasPrefix(fold, "false"):
		return false, nil
	}
	return false, fmt.Errorf("not a True/False answer: %q", firstLine(resp))
}

// ParseLines splits the response into trimmed non-empty lines, stripping
// "-", "*" and "N." list markers. An empty response is malformed.
func ParseLines(resp string) ([]string, error) {
	var out []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if i := strings.IndexByte(line, '.'); i > 0 && i < 4 && isDigits(line[:i]) {
			line = strings.TrimSpace(line[i+1:])
		}
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty response")
	}
	return out, nil
}

// ParseIoCs decodes the first JSON array found in the response. Models
// routinely wrap the array in prose or code fences.
func ParseIoCs(resp string) ([]RawIoC, error) {
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in output: %q", firstLine(resp))
	}
	var out []RawIoC
	if err := json.Unmarshal([]byte(resp[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode IoC array: %w", err)
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
