// Package api defines the data model consumed and produced by the flow
// state machine runtime: flow and session identifiers, the persisted
// Checkpoint shape, the Event/FlowIORequest/Action/Continuation tagged
// variants that flow through the Transition Function, and the collaborator
// interfaces (Observer, RetryPolicy) the runtime is configured with.
//
// Nothing in this package performs I/O. It is the vocabulary the engine,
// persistence, and hospital packages share without importing each other.
package api
