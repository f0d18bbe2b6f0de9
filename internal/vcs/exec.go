package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runCommand runs name with args in dir and returns trimmed stdout,
// grounded on the same process-spawn idiom as internal/gate and the
// teacher's internal/external/subprocess package, simplified here to a
// synchronous run-to-completion call since VCS plumbing commands are
// expected to return promptly.
func runCommand(ctx context.Context, dir, name string, args ...string) (stdout string, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return strings.TrimRight(out.String(), "\n"), errBuf.String(), err
}

func cmdError(stderr string, err error) error {
	if stderr != "" {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))
	}
	return err
}
