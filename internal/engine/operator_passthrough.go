package engine

// passthroughOp covers the operator types that participate in graph-edge
// derivation but have no runtime semantics yet: sequence, merge, fanout,
// fanin, backoff, monitor, replay, cache, reduce. The loop reports a
// coverage gap when one starts, so a silently inert operator is observable.
type passthroughOp struct{ baseOp }
