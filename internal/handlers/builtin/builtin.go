// Package builtin holds handlers that need no external programs.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"taskd/internal/domain"
)

// Ping writes its message, or "pong", and succeeds.
type Ping struct{}

func (Ping) Handle(ctx context.Context, args json.RawMessage, out io.Writer) (string, error) {
	var p struct {
		Message string `json:"message"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return "", domain.Invalid("arguments", "%v", err)
		}
	}
	if p.Message == "" {
		p.Message = "pong"
	}
	fmt.Fprintln(out, p.Message)
	return p.Message, nil
}

// Sleep waits for the given number of seconds or until cancelled. With
// "fail" set it returns an error afterwards.
type Sleep struct{}

type sleepArgs struct {
	Seconds float64 `json:"seconds"`
	Fail    bool    `json:"fail"`
}

func parseSleep(args json.RawMessage) (sleepArgs, error) {
	var s sleepArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &s); err != nil {
			return s, domain.Invalid("arguments", "%v", err)
		}
	}
	if s.Seconds < 0 {
		return s, domain.Invalid("arguments.seconds", "must not be negative")
	}
	return s, nil
}

func (Sleep) Validate(args json.RawMessage) error {
	_, err := parseSleep(args)
	return err
}

func (Sleep) Handle(ctx context.Context, args json.RawMessage, out io.Writer) (string, error) {
	s, err := parseSleep(args)
	if err != nil {
		return "", err
	}
	d := time.Duration(s.Seconds * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	fmt.Fprintf(out, "slept %s\n", d)
	if s.Fail {
		return "", fmt.Errorf("sleep failed as requested")
	}
	return "slept " + d.String(), nil
}
