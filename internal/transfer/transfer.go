// Package transfer invokes the external file-copy utility that actually
// moves bytes between the local node and its peer. The engine treats it
// as an opaque collaborator: a command line in, an exit code and error
// text out.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/openbmc/bmc-data-sync/internal/syncerr"
)

// Request describes one transfer invocation: the source root(s), the
// destination, and the filter arguments a retry reformulation may add.
type Request struct {
	EntryID     int
	Sources     []string
	Dest        string
	IsDirectory bool
	Includes    []string
	Excludes    []string
	Delete      bool
}

// Result is what the executor produced: the exit code and the captured
// stderr. Transfer returns it on failure as well as on success.
type Result struct {
	ExitCode int
	Stderr   string
}

// Executor runs one transfer request to completion.
type Executor interface {
	Transfer(ctx context.Context, req Request) (Result, error)
}

// RsyncExecutor shells out to rsync, the reference transfer utility the
// spec's --include=/--exclude= contract is modeled on.
type RsyncExecutor struct {
	// BinaryPath overrides the rsync binary looked up on PATH; empty
	// means "rsync".
	BinaryPath string
}

func (r *RsyncExecutor) binary() string {
	if r.BinaryPath != "" {
		return r.BinaryPath
	}
	return "rsync"
}

// Transfer builds an rsync invocation from req and runs it, returning a
// *syncerr.TransferError on non-zero exit so the retry classifier can
// inspect the captured stderr for vanished-source diagnostics.
func (r *RsyncExecutor) Transfer(ctx context.Context, req Request) (Result, error) {
	args := buildArgs(req)

	cmd := exec.CommandContext(ctx, r.binary(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stderr: stderr.String()}

	if err == nil {
		return res, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}

	return res, &syncerr.TransferError{
		EntryID:  req.EntryID,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Err:      err,
	}
}

func buildArgs(req Request) []string {
	args := []string{"-a"}
	if req.Delete {
		args = append(args, "--delete")
	}
	args = append(args, req.Includes...)
	args = append(args, req.Excludes...)
	args = append(args, req.Sources...)
	args = append(args, req.Dest)
	return args
}

// String renders a one-line summary of the request, for logging.
func (req Request) String() string {
	return fmt.Sprintf("%v -> %s (includes=%v excludes=%v delete=%v)",
		req.Sources, req.Dest, req.Includes, req.Excludes, req.Delete)
}
