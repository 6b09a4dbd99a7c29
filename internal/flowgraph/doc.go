// Package flowgraph builds and queries the dependency DAG of (step,index)
// nodes for one flow run.
//
// The graph is constructed once from the manifest's flowgraph subtree and
// is read-only during execution, with one exception: the selection edges,
// written after each fan-out step completes, which record the inputs that
// actually feed each downstream node. Construction rejects dangling input
// references and cycles; both are configuration errors, not runtime
// failures.
package flowgraph
