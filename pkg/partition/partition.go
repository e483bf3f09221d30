// Package partition resolves a flat worker pool into the nested
// communicator layout: iterator -> evaluation servers -> analysis
// servers, each level either a dedicated-master group (rank 0
// coordinates, ranks 1..N execute) or a peer group (every rank executes,
// including the lowest-ranked one).
//
// A resolver produces a layout plan and, before returning it, checks it
// against hard constraints —
// the same shape as a named-strategy partitioner producing a plan of
// named entries.
package partition

import (
	"fmt"
)

// Topology names how a level's rank 0 participates.
type Topology string

const (
	// DedicatedMaster reserves rank 0 as a pure coordinator; it never
	// executes evaluations itself.
	DedicatedMaster Topology = "dedicated_master"
	// Peer means every rank, including rank 0, executes evaluations.
	Peer Topology = "peer"
)

// Scheduling is the user-requested dispatch discipline for a level; auto
// defers the choice to resolution rule 3.
type Scheduling string

const (
	SchedulingAuto    Scheduling = "auto"
	SchedulingDynamic Scheduling = "dynamic"
	SchedulingStatic  Scheduling = "static"
)

// State is a level's lifecycle stage: uninitialized, then initializing
// while resolution runs, then active, then freed.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Directives is the user-supplied configuration for one parallel level
// (evaluation or analysis): a (num_servers, procs_per_server, scheduling)
// triple, any of which may be left unspecified for Resolve to derive.
type Directives struct {
	NumServers       int // 0 means unspecified
	ProcsPerServer   int // 0 means unspecified
	Topology         Topology
	Scheduling       Scheduling
	ConcurrencyHint  int // the owning iterator's estimate of useful concurrency, used by rule 2/3
}

// ConfigurationError is returned when a derived parameter violates a hard
// constraint; it names the offending level so the façade can surface a
// precise message.
type ConfigurationError struct {
	Level  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("partition: level %q: %s", e.Level, e.Reason)
}

// Level is one resolved parallel level.
type Level struct {
	Name           string
	State          State
	Topology       Topology
	Scheduling     Scheduling
	NumServers     int
	ProcsPerServer int
	PartialServer  bool // true if the remainder processors formed an undersized last server
	ParentSize     int
}

// dedicatedMasterOverhead returns 1 when t reserves a coordinator rank.
func dedicatedMasterOverhead(t Topology) int {
	if t == DedicatedMaster {
		return 1
	}
	return 0
}

// Resolve applies the four resolution rules to directives against
// a parent communicator of parentSize ranks, producing a fully-specified
// Level in the StateActive state (resolution happens synchronously; there
// is no asynchronous "initializing" wait in this implementation, but the
// state is still recorded for re-entry checks, see Reenter).
func Resolve(levelName string, parentSize int, d Directives) (*Level, error) {
	lvl := &Level{
		Name:       levelName,
		State:      StateInitializing,
		Topology:   d.Topology,
		Scheduling: d.Scheduling,
		ParentSize: parentSize,
	}
	if lvl.Topology == "" {
		lvl.Topology = Peer
	}

	switch {
	case d.NumServers > 0 && d.ProcsPerServer > 0:
		// Rule 1.
		overhead := dedicatedMasterOverhead(lvl.Topology)
		required := d.NumServers*d.ProcsPerServer + overhead
		if required > parentSize {
			return nil, &ConfigurationError{Level: levelName, Reason: fmt.Sprintf(
				"requested %d servers x %d procs (+%d master) = %d exceeds parent size %d",
				d.NumServers, d.ProcsPerServer, overhead, required, parentSize)}
		}
		lvl.NumServers = d.NumServers
		lvl.ProcsPerServer = d.ProcsPerServer
		remainder := parentSize - required
		lvl.PartialServer = remainder > 0

	case d.NumServers > 0 && d.ProcsPerServer == 0:
		// Rule 2: derive procs_per_server from parent_size.
		overhead := dedicatedMasterOverhead(lvl.Topology)
		usable := parentSize - overhead
		if usable < d.NumServers {
			return nil, &ConfigurationError{Level: levelName, Reason: fmt.Sprintf(
				"cannot fit %d servers in %d usable procs", d.NumServers, usable)}
		}
		lvl.NumServers = d.NumServers
		lvl.ProcsPerServer = usable / d.NumServers
		lvl.PartialServer = usable%d.NumServers != 0

	case d.NumServers == 0 && d.ProcsPerServer > 0:
		// Rule 2, the other direction.
		overhead := dedicatedMasterOverhead(lvl.Topology)
		usable := parentSize - overhead
		if usable < d.ProcsPerServer {
			return nil, &ConfigurationError{Level: levelName, Reason: fmt.Sprintf(
				"cannot fit even one %d-proc server in %d usable procs", d.ProcsPerServer, usable)}
		}
		lvl.NumServers = usable / d.ProcsPerServer
		lvl.ProcsPerServer = d.ProcsPerServer
		lvl.PartialServer = usable%d.ProcsPerServer != 0

	default:
		// Rule 3: auto. Minimize idle processors given the concurrency
		// hint; prefer peer layouts for single-digit server counts,
		// dedicated-master for larger fan-outs.
		hint := d.ConcurrencyHint
		if hint <= 0 {
			hint = 1
		}
		if hint > parentSize {
			hint = parentSize
		}
		if lvl.Topology == Peer && hint >= 10 {
			lvl.Topology = DedicatedMaster
		}
		overhead := dedicatedMasterOverhead(lvl.Topology)
		usable := parentSize - overhead
		if usable < 1 {
			return nil, &ConfigurationError{Level: levelName, Reason: "no processors remain after reserving a dedicated master"}
		}
		servers := hint
		if servers > usable {
			servers = usable
		}
		lvl.NumServers = servers
		lvl.ProcsPerServer = usable / servers
		lvl.PartialServer = usable%servers != 0
	}

	if lvl.NumServers < 1 || lvl.ProcsPerServer < 1 {
		return nil, &ConfigurationError{Level: levelName, Reason: "resolved to zero servers or zero processors per server"}
	}
	lvl.State = StateActive
	return lvl, nil
}

// Reenter implements the re-entry fast path: a level already in
// StateActive that receives an identical request returns to StateActive
// without rebuilding communicators. Every field of want that is set
// (non-zero topology, server count, procs per server) must equal the
// level's current resolved shape for the fast path to apply; unset fields
// match anything. Otherwise the level is freed and the caller must
// Resolve again.
func Reenter(lvl *Level, want Directives) (*Level, bool) {
	if lvl.State != StateActive {
		return lvl, false
	}
	sameTopology := want.Topology == "" || want.Topology == lvl.Topology
	sameServers := want.NumServers == 0 || want.NumServers == lvl.NumServers
	sameProcs := want.ProcsPerServer == 0 || want.ProcsPerServer == lvl.ProcsPerServer
	if sameTopology && sameServers && sameProcs {
		return lvl, true
	}
	lvl.State = StateFreed
	return lvl, false
}

// Free transitions lvl to StateFreed, releasing its communicator (a
// no-op on the in-process transport, meaningful once a level owns a
// wsmesh.Hub or p2pmesh.Mesh that must be closed).
func Free(lvl *Level) {
	lvl.State = StateFreed
}

// Layout is the full nested plan for one run: an iterator level, an
// evaluation level nested under it, and an optional analysis level
// nested under each evaluation server.
type Layout struct {
	WorldSize int
	Iterator  *Level
	Eval      *Level
	Analysis  *Level // nil if no analysis-level parallelism was requested
}

// ResolveLayout resolves the full iterator/evaluation/analysis nesting in
// one pass, top-down.
func ResolveLayout(worldSize int, evalDirectives, analysisDirectives *Directives) (*Layout, error) {
	iterLvl := &Level{Name: "iterator", State: StateActive, Topology: Peer, NumServers: 1, ProcsPerServer: worldSize, ParentSize: worldSize}

	evalLvl, err := Resolve("evaluation", worldSize, *evalDirectives)
	if err != nil {
		return nil, err
	}

	layout := &Layout{WorldSize: worldSize, Iterator: iterLvl, Eval: evalLvl}

	if analysisDirectives != nil {
		analysisParent := evalLvl.ProcsPerServer
		analysisLvl, err := Resolve("analysis", analysisParent, *analysisDirectives)
		if err != nil {
			return nil, err
		}
		layout.Analysis = analysisLvl
	}
	return layout, nil
}
