// Package keypath defines the ordered-segment key type used to address
// leaves of the manifest, plus parsing from the canonical comma-joined
// string form and wildcard-aware matching against schema declarations.
package keypath
