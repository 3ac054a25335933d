package supervise

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultExecTimeout bounds one-shot helper commands.
const DefaultExecTimeout = 30 * time.Second

// Exec runs a short helper command to completion without start-marker
// tracking and returns its combined output. A non-positive timeout means
// DefaultExecTimeout.
func Exec(ctx context.Context, cmd Command, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	c.WaitDelay = time.Second

	err := c.Run()
	text := strings.TrimSpace(StripANSI(out.String()))
	if err != nil {
		return text, fmt.Errorf("%s: %w", cmd, err)
	}
	return text, nil
}
