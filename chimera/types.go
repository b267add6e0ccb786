package chimera

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chimerapy/engine/errors"
)

// ExecutionContext selects where a Node's computation runs.
type ExecutionContext int

const (
	// IsolatedProcess runs the node as its own OS process, for
	// CPU-bound or library-unsafe nodes.
	IsolatedProcess ExecutionContext = iota
	// SharedThread runs the node on a dedicated goroutine inside the
	// worker process, for light I/O nodes.
	SharedThread
)

func (e ExecutionContext) String() string {
	if e == IsolatedProcess {
		return "isolated-process"
	}
	return "shared-thread"
}

// parseExecutionContext accepts both the wire tag spelling
// ("isolated-process"/"shared-thread") and an underscore-separated
// spelling ("isolated_process"/"shared_thread"), the latter so YAML
// test fixtures can use plain unquoted scalars.
func parseExecutionContext(s string) (ExecutionContext, bool) {
	switch s {
	case "isolated-process", "isolated_process":
		return IsolatedProcess, true
	case "shared-thread", "shared_thread", "":
		return SharedThread, true
	default:
		return 0, false
	}
}

// MarshalJSON encodes an ExecutionContext as its wire tag string rather
// than the underlying int, matching spec.md's externally authored
// NodeSpec wire shape.
func (e ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON decodes the wire tag string back into an
// ExecutionContext.
func (e *ExecutionContext) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := parseExecutionContext(s)
	if !ok {
		return errors.Newf("invalid execution context %q", s)
	}
	*e = parsed
	return nil
}

// UnmarshalYAML decodes the wire tag string the same way UnmarshalJSON
// does, so YAML test fixtures can spell context the same way external
// JSON callers do.
func (e *ExecutionContext) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, ok := parseExecutionContext(s)
	if !ok {
		return errors.Newf("invalid execution context %q", s)
	}
	*e = parsed
	return nil
}

// NodeSpec is the externally authored, immutable description of one
// graph node.
type NodeSpec struct {
	NodeID    string           `json:"node_id" yaml:"node_id"`
	ClassName string           `json:"class_name" yaml:"class_name"` // class identity
	Args      map[string]any   `json:"args" yaml:"args"`             // construction arguments
	Context   ExecutionContext `json:"context" yaml:"context"`
	Inputs    []string         `json:"inputs" yaml:"inputs"` // input node_ids
}

// GraphSpec is the committed computational graph: a set of nodes plus
// directed sample edges (src_id -> dst_id). Acyclic by invariant,
// checked at commit time (see the manager package's validateCommit).
type GraphSpec struct {
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges []Edge     `json:"edges" yaml:"edges"`
}

// Edge is one directed sample edge in a GraphSpec.
type Edge struct {
	Src string `json:"src" yaml:"src"`
	Dst string `json:"dst" yaml:"dst"`
}

// NodeByID returns the NodeSpec for id, or false if absent.
func (g GraphSpec) NodeByID(id string) (NodeSpec, bool) {
	for _, n := range g.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Placement maps worker_id to the set of node_ids it hosts. Frozen from
// commit until reset.
type Placement map[string][]string

// HostInfo is an (ADDED) snapshot of a worker host's resource usage,
// refreshed on register/health-report and surfaced on GET /network.
type HostInfo struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemUsedMB  uint64  `json:"mem_used_mb"`
	NumCPU     int     `json:"num_cpu"`
}

// WorkerRecord is the manager's view of one registered worker.
type WorkerRecord struct {
	WorkerID        string               `json:"worker_id"`
	Host            string               `json:"host"`
	Port            int                  `json:"port"`
	ProtocolVersion string               `json:"protocol_version"`
	RegisteredAt    time.Time            `json:"registered_at"`
	Nodes           map[string]NodeState `json:"nodes"` // node_id -> state
	HostInfo        HostInfo             `json:"host_info"`
}

// NodeState is the worker-authoritative, manager-mirrored state of one
// hosted node.
type NodeState struct {
	NodeID       string    `json:"node_id"`
	Phase        Phase     `json:"phase"`
	PubHost      string    `json:"pub_host"` // unset until Initialized
	PubPort      int       `json:"pub_port"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// NodePubTable maps node_id to the (host, port) of its publisher
// endpoint. Built by the manager once every node reaches Initialized,
// then broadcast to every worker.
type NodePubTable map[string]PubAddress

// PubAddress is a publisher endpoint's network address.
type PubAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MessageEnvelope is one signal-channel frame.
type MessageEnvelope struct {
	Signal      Signal `json:"signal"`
	Data        any    `json:"data"`
	UUID        string `json:"uuid"`
	OK          bool   `json:"ok"`
}

// ArtifactBundle is one node's staged, zipped output directory in
// transit from node to worker to manager.
type ArtifactBundle struct {
	NodeID    string `json:"node_id"`
	SenderID  string `json:"sender_id"`
	Dir       string `json:"dir"`       // staged directory before zipping
	ArchivePath string `json:"archive_path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Sample is the producer-contract wrapper around a node's raw step
// output (§9 ADDED): the runtime tags the value with producer identity
// and timestamp instead of relying on inheritance-based wrapping.
type Sample struct {
	ProducerID string    `json:"producer_id"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload"`
}
