package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"taskd/internal/domain"
)

// waitDelay bounds how long Handle waits for the output pipes after the
// process group was killed.
const waitDelay = 2 * time.Second

type Shell struct{}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

func parse(args json.RawMessage) (Cmd, error) {
	var c Cmd
	if len(args) > 0 {
		if err := json.Unmarshal(args, &c); err != nil {
			return Cmd{}, domain.Invalid("arguments", "invalid shell arguments: %v", err)
		}
	}
	if c.Command == "" {
		return Cmd{}, domain.Invalid("arguments.command", "is required")
	}
	return c, nil
}

func (h Shell) Validate(args json.RawMessage) error {
	_, err := parse(args)
	return err
}

// Handle runs the command with stdout and stderr streamed to out. When ctx
// ends the whole process group is killed, so children left behind by the
// command cannot hold the job open.
func (h Shell) Handle(ctx context.Context, args json.RawMessage, out io.Writer) (string, error) {
	c, err := parse(args)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	killGroup(cmd)
	cmd.WaitDelay = waitDelay
	cmd.Dir = c.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("shell error: %w", err)
	}
	return fmt.Sprintf("%s exited 0", c.Command), nil
}
