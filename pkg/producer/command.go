package producer

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"warpgate/pkg/approval"
	"warpgate/pkg/telemetry"
)

// CommandRunner executes an approved payload outside any pty and streams its
// output.
type CommandRunner struct {
	Shell   string
	Timeout time.Duration
}

// Run executes p through Shell -c. onOutput is never called concurrently; stream
// is "stdout" or "stderr". A non-zero exit is reported through the code, not err.
func (r CommandRunner) Run(ctx context.Context, p approval.Payload, onOutput func(stream string, data []byte) error) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "producer.command", map[string]string{"command.cwd": p.Cwd})
	code, err := r.run(ctx, p, onOutput)
	telemetry.EndSpan(span, err)
	return code, wrap(KindCommand, err)
}

func (r CommandRunner) run(ctx context.Context, p approval.Payload, onOutput func(string, []byte) error) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", p.Command)
	cmd.Dir = p.Cwd
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+p.Env[k])
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	var (
		mu      sync.Mutex
		emitErr error
		wg      sync.WaitGroup
	)
	pump := func(name string, rd io.Reader) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, rerr := rd.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				mu.Lock()
				if emitErr == nil {
					if emitErr = onOutput(name, chunk); emitErr != nil {
						cancel()
					}
				}
				mu.Unlock()
			}
			if rerr != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump("stdout", stdout)
	go pump("stderr", stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	if emitErr != nil {
		return -1, emitErr
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil {
		return -1, waitErr
	}
	return 0, nil
}
