package worker

import (
	"context"
	"flag"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/node"
)

// IsNodeExec reports whether args (typically os.Args) asks this binary
// to re-exec as an isolated node process rather than run its normal
// entrypoint. cmd/worker checks this before building its cobra command
// tree, mirroring the source's multiprocessing bootstrap branch.
func IsNodeExec(args []string) bool {
	return len(args) > 1 && args[1] == nodeExecFlag
}

// RunNodeExec parses the re-exec dispatch flags spawnProcess set and
// drives one node's Runtime to completion. factory resolves class_name
// to a Body/RecordSink pair the same way the in-process SharedThread
// path does in NodeHandler.CreateNode, so an isolated-process node and
// a shared-thread node backed by the same class are built identically.
// Internal re-exec protocol, not a user-facing CLI surface, so plain
// flag.FlagSet is used instead of cobra here.
func RunNodeExec(ctx context.Context, args []string, factory Factory) error {
	fs := flag.NewFlagSet("chimerapy-node-exec", flag.ContinueOnError)
	nodeID := fs.String("node-id", "", "node id")
	className := fs.String("class-name", "", "node class name")
	workerAddr := fs.String("worker-addr", "", "owning worker address")
	if err := fs.Parse(args[2:]); err != nil {
		return errors.Wrap(err, "parsing node-exec flags")
	}

	spec := chimera.NodeSpec{NodeID: *nodeID, ClassName: *className}
	body, sink, err := factory(spec)
	if err != nil {
		return errors.Wrapf(err, "building node %q of class %q", *nodeID, *className)
	}

	rt := node.NewRuntime(*nodeID, body, sink)
	return rt.Connect(ctx, *workerAddr)
}
