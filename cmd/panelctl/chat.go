package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"multiai-chat/internal/digest"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/metrics"
	"multiai-chat/internal/orchestrator"
)

type chatPanel interface {
	RunTurn(ctx context.Context, in orchestrator.TurnInput) (orchestrator.TurnResult, error)
	Backends() []domain.BackendID
	SystemHealth() metrics.HealthSummary
	BackendHealth(id domain.BackendID) metrics.BackendHealth
	DigestHealth(ctx context.Context, sessionID string) (domain.Health, error)
	Digest(ctx context.Context, sessionID string) (domain.DigestData, error)
	ResetDigest(ctx context.Context, sessionID string) error
}

type chat struct {
	panel     chatPanel
	names     func(domain.BackendID) string
	sessionID string
	persona   orchestrator.Persona
	active    []domain.BackendID
	out       io.Writer
}

const chatHelp = `/digest   show the conversation digest
/health   show backend and digest health
/reset    clear the digest
/quit     leave
`

// loop reads one message per line until EOF, /quit or ctx ends.
func (c *chat) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done, err := c.handle(ctx, line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	switch line {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprint(c.out, chatHelp)
	case "/digest":
		d, err := c.panel.Digest(ctx, c.sessionID)
		if err != nil {
			return false, err
		}
		if text := digest.Format(d); text != "" {
			fmt.Fprint(c.out, strings.TrimPrefix(text, "\n"))
		} else {
			fmt.Fprintln(c.out, "digest is empty")
		}
	case "/health":
		c.printHealth(ctx)
	case "/reset":
		if err := c.panel.ResetDigest(ctx, c.sessionID); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "digest cleared")
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(c.out, "unknown command %s\n", line)
			return false, nil
		}
		return false, c.turn(ctx, line)
	}
	return false, nil
}

func (c *chat) turn(ctx context.Context, text string) error {
	res, err := c.panel.RunTurn(ctx, orchestrator.TurnInput{
		SessionID:      c.sessionID,
		Text:           text,
		ActiveBackends: c.active,
		Persona:        c.persona,
	})
	var oe *orchestrator.Error
	if errors.As(err, &oe) && oe.Code == orchestrator.ErrorInvalidInput {
		fmt.Fprintf(c.out, "rejected: %s\n", oe.Reason)
		return nil
	}
	for _, r := range res.Responses {
		fmt.Fprintf(c.out, "\n[%s] (%.0f ms)\n%s\n", c.names(r.BackendID), r.LatencyMs, r.Text)
	}
	if err != nil {
		// Commit failed after the responses arrived.
		fmt.Fprintf(c.out, "warning: %v\n", err)
	}
	return nil
}

func (c *chat) printHealth(ctx context.Context) {
	s := c.panel.SystemHealth()
	fmt.Fprintf(c.out, "system: %d samples, %.1f%% timeouts, %.1f%% truncated, %.0f ms avg\n",
		s.Samples, s.TimeoutRate, s.TruncationRate, s.AvgLatencyMs)
	for _, id := range c.panel.Backends() {
		h := c.panel.BackendHealth(id)
		fmt.Fprintf(c.out, "  %-10s %-9s %d samples, %d errors, %.0f ms avg\n",
			c.names(id), h.Health, h.Samples, h.ErrorCount, h.AvgLatencyMs)
	}
	dh, err := c.panel.DigestHealth(ctx, c.sessionID)
	if err != nil {
		fmt.Fprintf(c.out, "digest: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "digest: %s\n", dh.Description())
}
