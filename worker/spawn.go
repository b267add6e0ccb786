package worker

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
)

// nodeExecFlag is the hidden flag a re-exec'd binary recognizes to run
// as an isolated node process instead of the normal worker/manager
// entrypoint. cmd/worker checks for this flag before parsing its
// regular command tree.
const nodeExecFlag = "--chimerapy-node-exec"

// spawnProcess launches this same binary as a child process running
// one isolated node, the Go equivalent of the source's multiprocessing
// execution context: the node gets its own OS process boundary instead
// of sharing the worker's address space.
func spawnProcess(ctx context.Context, spec chimera.NodeSpec, workerAddr string, extraArgs string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "resolving own executable path for node re-exec")
	}

	args := []string{nodeExecFlag, "--node-id", spec.NodeID, "--class-name", spec.ClassName, "--worker-addr", workerAddr}
	if extraArgs != "" {
		parsed, err := shellquote.Split(extraArgs)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing extra node args %q", extraArgs)
		}
		args = append(args, parsed...)
	}

	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "CHIMERAPY_NODE_ID="+spec.NodeID)

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting isolated process for node %q", spec.NodeID)
	}
	return cmd, nil
}

// pidString returns cmd's pid as a string, or "" if cmd hasn't started
// or has no backing process.
func pidString(cmd *exec.Cmd) string {
	if cmd == nil || cmd.Process == nil {
		return ""
	}
	return strconv.Itoa(cmd.Process.Pid)
}
