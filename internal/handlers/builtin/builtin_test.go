package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPing(t *testing.T) {
	var out bytes.Buffer
	msg, err := Ping{}.Handle(context.Background(), nil, &out)
	if err != nil || msg != "pong" || out.String() != "pong\n" {
		t.Errorf("Ping = %q, %v, output %q", msg, err, out.String())
	}
	msg, _ = Ping{}.Handle(context.Background(), json.RawMessage(`{"message":"hello"}`), &out)
	if msg != "hello" {
		t.Errorf("Ping with message = %q", msg)
	}
}

func TestSleep(t *testing.T) {
	var out bytes.Buffer
	msg, err := Sleep{}.Handle(context.Background(), json.RawMessage(`{"seconds":0.01}`), &out)
	if err != nil || msg != "slept 10ms" {
		t.Errorf("Sleep = %q, %v", msg, err)
	}

	if _, err := (Sleep{}).Handle(context.Background(), json.RawMessage(`{"fail":true}`), &out); err == nil {
		t.Error("Sleep with fail should return an error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := (Sleep{}).Handle(ctx, json.RawMessage(`{"seconds":5}`), &out); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cancelled Sleep = %v, want deadline exceeded", err)
	}

	if err := (Sleep{}).Validate(json.RawMessage(`{"seconds":-1}`)); err == nil {
		t.Error("negative seconds should be rejected")
	}
}
