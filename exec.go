package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// commandResult is the outcome of a short-lived sandbox command.
type commandResult struct {
	Record ProcessRecord
	Logs   Logs
}

// ExitCode returns the recorded exit code, or -1 when the host did not report one.
func (r commandResult) ExitCode() int {
	if r.Record.ExitCode == nil {
		return -1
	}
	return *r.Record.ExitCode
}

// runCommand starts command in the sandbox, waits up to timeout for it to
// finish and collects its output. A command still running at the deadline is
// reported as an error alongside whatever output it produced.
func runCommand(ctx context.Context, sb Sandbox, command string, timeout time.Duration) (commandResult, error) {
	rec, err := sb.StartProcess(ctx, command)
	if err != nil {
		return commandResult{}, fmt.Errorf("starting %q: %w", truncate(command, 50), err)
	}
	final, err := sb.WaitForExit(ctx, rec.ID, timeout)
	if err != nil {
		return commandResult{Record: rec}, fmt.Errorf("waiting for %s: %w", rec.ID, err)
	}
	res := commandResult{Record: final}
	if logs, err := sb.ProcessLogs(ctx, rec.ID); err == nil {
		res.Logs = logs
	}
	if final.Status.Active() {
		return res, fmt.Errorf("process %s still %s after %s", rec.ID, final.Status, timeout)
	}
	if f, ok := sb.(ProcessForgetter); ok {
		f.ForgetProcess(rec.ID)
	}
	return res, nil
}

// shellMeta lists the characters that let one shell word become several
// commands or a substitution.
const shellMeta = ";|&$`<>\n"

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
