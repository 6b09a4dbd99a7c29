// Package tool defines the contract every pluggable external-tool adapter
// implements, the registry resolving task names to adapters, and the
// version parsing/normalization helpers shared by adapters.
//
// An adapter bridges the generic engine to one external executable. It is
// stateless across invocations: everything it learns or decides flows
// through the manifest, scoped to the node it was invoked for.
package tool
