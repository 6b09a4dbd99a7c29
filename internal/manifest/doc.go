// Package manifest implements the hierarchical configuration and state store
// shared by every stage of a flow run.
//
// # Model
//
// The store is a tree keyed by ordered string segments (see
// internal/keypath). The tree's shape is fixed by a schema of parameter
// declarations in which the reserved segment "default" acts as a wildcard;
// writing to a concrete key-path materializes a leaf cloned from the
// matching declaration. Each leaf carries a declared cty type, an optional
// unit, an optional default value, one global value, and any number of
// per-(step,index) overlay values.
//
// # Resolution order
//
// Reading a leaf for a node resolves, in order: the node's (step,index)
// overlay, then the global value, then the schema default. The order is
// implemented once, in (*Manifest).Get.
//
// # Clobber
//
// Set with NoClobber never overwrites a scope that already holds a value.
// This is what lets tool adapters install defaults without silently
// replacing user configuration, and it must hold regardless of history.
//
// # Concurrency
//
// All operations are safe for concurrent use. Node-scoped writes from
// sibling nodes land in distinct overlay entries and do not contend beyond
// the store lock.
package manifest
