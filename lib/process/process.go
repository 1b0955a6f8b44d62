// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds main() helpers shared by courier commands:
// exit handling for run() errors and the command logger.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitInterrupted is the exit code after SIGINT or SIGTERM.
const ExitInterrupted = 130

// ExitCode maps a run() error to a process exit code. Cancellation by
// signal is not a failure worth a message.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	}
	return 1
}

// Report writes "error: err" to w unless err is nil or a cancellation,
// and returns the exit code.
func Report(w io.Writer, err error) int {
	code := ExitCode(err)
	if code == 1 {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return code
}

// Exit reports err on stderr and exits. Use it in main() for errors
// from run(), where the logger may not exist yet.
func Exit(err error) {
	os.Exit(Report(os.Stderr, err))
}
