package sandbox

import "github.com/romaexec/roma/internal/domain"

// InitPayload is sent once over MsgInit to hand the child its startup
// configuration before any Load or Invoke may be sent.
type InitPayload struct {
	Options Options `json:"options"`
}

// LoadPayload carries one CodeObject to install in the child's version cache.
type LoadPayload struct {
	CodeObject domain.CodeObject `json:"code_object"`
}

// InvokePayload carries one InvocationRequest to execute.
type InvokePayload struct {
	Request domain.InvocationRequest `json:"request"`
}

// ResultPayload is the child's reply to either Load or Invoke.
type ResultPayload struct {
	// Ack acknowledges a Load (VersionString loaded).
	Ack string `json:"ack,omitempty"`

	// Response carries an Invoke's outcome.
	Response *domain.ResponseObject `json:"response,omitempty"`

	// Err carries a failure for either Load or Invoke.
	Err *domain.RuntimeError `json:"error,omitempty"`
}
