// Package domain defines the wire-independent data model shared by the
// dispatcher, the worker sandbox, and the engine adapters: CodeObject,
// InvocationRequest, ResponseObject, RpcWrapper, and MetadataEntry.
//
// Every type here is immutable once constructed and safe to share across
// goroutines and across the parent/child process boundary after encoding.
package domain

// CodeObject is one immutable version of guest code registered by the host.
// It is installed through the Dispatcher's load path and lives in each
// worker's version cache until evicted or the worker terminates. It is
// never mutated after construction.
type CodeObject struct {
	// ID is a stable, host-assigned opaque identifier for the code family.
	ID string `json:"id"`

	// VersionString selects which loaded CodeObject an invocation runs
	// against; opaque to the runtime, assigned by the host.
	VersionString string `json:"version_string"`

	// Source holds the scripting-language source text (JavaScript).
	Source string `json:"source,omitempty"`

	// ByteCode holds an optional lower-level module (WASM binary).
	ByteCode []byte `json:"byte_code,omitempty"`

	// Handlers optionally names the CodeObject's handler functions. The
	// engine adapters do not read it: each compiles the whole Source or
	// ByteCode at load time, listed or not.
	Handlers []string `json:"handlers,omitempty"`

	// KeyID, when non-empty, names the private key (resolved through the
	// host's internal/keycache.Cache) that Source/ByteCode is encrypted
	// under. internal/runtime decrypts it before handing the CodeObject to
	// the Dispatcher, so no worker or engine adapter ever sees ciphertext
	// or key material.
	KeyID string `json:"key_id,omitempty"`
}

// Encrypted reports whether this CodeObject's payload must be decrypted
// through a key cache before it can be loaded into a worker.
func (c *CodeObject) Encrypted() bool {
	return c.KeyID != ""
}

// Engine reports which adapter this CodeObject must run under.
func (c *CodeObject) Engine() Engine {
	if len(c.ByteCode) > 0 {
		return EngineWasm
	}
	return EngineJS
}

// Engine names the JS-Engine Adapter or WASM-Engine Adapter a CodeObject runs under.
type Engine string

const (
	EngineJS   Engine = "js"
	EngineWasm Engine = "wasm"
)
