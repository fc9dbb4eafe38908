package model

import "fmt"

type FaultKind string

const (
	FAULT_TRANSIENT_ACTION FaultKind = "transient_action_failure"
	FAULT_PERMANENT_ACTION FaultKind = "permanent_action_failure"
	FAULT_MALFORMED_GRAPH  FaultKind = "malformed_graph"
	FAULT_CYCLE_DETECTED   FaultKind = "cycle_detected"
	FAULT_NODE_EVALUATION  FaultKind = "node_evaluation_failure"
)

// Fault is the interpreter's converted form of anything that went wrong while
// advancing a session. Interpreter-internal errors never escape Advance as
// plain errors; they always arrive as one of these kinds so the lock can be
// released on every path.
type Fault struct {
	Kind   FaultKind
	NodeId string
	Reason string
	// Retryable faults leave the session at its last-known-good node,
	// eligible for another attempt until the fault budget runs out.
	Retryable bool
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at node %s: %s", f.Kind, f.NodeId, f.Reason)
}

func NewCycleFault(nodeId string, hops int) *Fault {
	return &Fault{
		Kind:   FAULT_CYCLE_DETECTED,
		NodeId: nodeId,
		Reason: fmt.Sprintf("auto-advance cap exceeded after %d hops", hops),
	}
}

func NewMalformedGraphFault(nodeId string, reason string) *Fault {
	return &Fault{Kind: FAULT_MALFORMED_GRAPH, NodeId: nodeId, Reason: reason}
}

func NewEvaluationFault(nodeId string, err error) *Fault {
	return &Fault{Kind: FAULT_NODE_EVALUATION, NodeId: nodeId, Reason: err.Error(), Retryable: true}
}

func NewPermanentActionFault(nodeId string, reason string) *Fault {
	return &Fault{Kind: FAULT_PERMANENT_ACTION, NodeId: nodeId, Reason: reason}
}

func NewTransientActionFault(nodeId string, reason string) *Fault {
	return &Fault{Kind: FAULT_TRANSIENT_ACTION, NodeId: nodeId, Reason: reason, Retryable: true}
}
