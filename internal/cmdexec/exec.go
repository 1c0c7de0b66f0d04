// Copyright Ricardo Oliveira 2025.
// SPDX-License-Identifier: MPL-2.0

// Package cmdexec provides a unified command execution interface
package cmdexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/builder-vm/controller/internal/errors"
)

// OutputMode specifies how command output should be handled
type OutputMode int

const (
	// OutputModeCapture captures the output into the result
	OutputModeCapture OutputMode = iota
	// OutputModeStream streams the output through the provided callback
	OutputModeStream
	// OutputModeInherit wires the child directly to the controller's own
	// stdio. Used for the virtualization engine, whose console must stay
	// interactive for the VM's whole lifetime.
	OutputModeInherit
)

// StreamCallback is a function type for streaming command output
type StreamCallback func(data []byte, isStderr bool)

// CmdOptions represents options for command execution
type CmdOptions struct {
	// Directory is the working directory for the command
	Directory string
	// Environment variables appended to the current process environment
	// (format: "KEY=VALUE")
	Environment []string
	// OutputMode specifies how output should be handled
	OutputMode OutputMode
	// OutputCallback is called with output data when streaming is enabled
	OutputCallback StreamCallback
	// Timeout specifies a timeout for the command execution (0 means no timeout)
	Timeout time.Duration
}

// Result contains the results of a command execution
type Result struct {
	// Command that was executed
	Command string
	// Arguments that were passed to the command
	Args []string
	// ExitCode returned by the command
	ExitCode int
	// StdOut output from the command (capture mode only)
	StdOut []byte
	// StdErr output from the command (capture mode only)
	StdErr []byte
	// Duration of the command execution
	Duration time.Duration
}

// FormatCommand returns the full command that was executed as a string
func (r *Result) FormatCommand() string {
	if len(r.Args) == 0 {
		return r.Command
	}
	return fmt.Sprintf("%s %v", r.Command, r.Args)
}

// Execute runs a command and returns the result. A non-zero exit status is
// not an error here: the result carries the exit code and callers decide
// what it means. Only failure to run the command at all returns an error.
func Execute(ctx context.Context, command string, args []string, options CmdOptions) (*Result, error) {
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	result := &Result{
		Command: command,
		Args:    args,
	}

	cmd := exec.CommandContext(ctx, command, args...)

	if options.Directory != "" {
		cmd.Dir = options.Directory
	}

	if len(options.Environment) > 0 {
		cmd.Env = append(os.Environ(), options.Environment...)
	}

	started := time.Now()

	if options.OutputMode == OutputModeInherit {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return nil, errors.OperationFailed("start command", err).
				WithContext("command", command)
		}
		return finish(cmd, result, started)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.OperationFailed("create stdout pipe", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.OperationFailed("create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.OperationFailed("start command", err).
			WithContext("command", command)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processOutput(stdout, false, &result.StdOut, options)
	}()
	go func() {
		defer wg.Done()
		processOutput(stderr, true, &result.StdErr, options)
	}()
	wg.Wait()

	return finish(cmd, result, started)
}

// finish waits for the command, records timing and exit status, and logs
// the outcome.
func finish(cmd *exec.Cmd, result *Result, started time.Time) (*Result, error) {
	err := cmd.Wait()
	result.Duration = time.Since(started)

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, errors.OperationFailed("wait for command", err).
				WithContext("command", result.Command)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	logger := log.With().
		Str("command", result.FormatCommand()).
		Int("exitCode", result.ExitCode).
		Dur("duration", result.Duration).
		Logger()

	if result.ExitCode == 0 {
		logger.Debug().Msg("Command executed successfully")
	} else {
		logger.Warn().
			Str("stderr", string(result.StdErr)).
			Msg("Command exited non-zero")
	}

	return result, nil
}

// processOutput reads from a reader and handles it according to the output mode
func processOutput(r io.Reader, isStderr bool, buffer *[]byte, options CmdOptions) {
	captureOutput := options.OutputMode == OutputModeCapture
	streamOutput := options.OutputMode == OutputModeStream
	callback := options.OutputCallback

	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]

			if captureOutput {
				*buffer = append(*buffer, data...)
			}

			if streamOutput && callback != nil {
				callback(data, isStderr)
			}
		}

		if err != nil {
			break
		}
	}
}
