// Package envelope defines the cross-stage routing wrapper. It is the one
// place in this module where payloads are type-erased (spec design note:
// reserve erasure for the routing envelope only).
package envelope

import "fmt"

// Envelope addresses a payload to a peer stage by logical name. Stages emit
// Envelopes from a step; a routing table maps Destination to a MsgSender.
type Envelope struct {
	// Destination is the logical name of the stage this Envelope is
	// addressed to. Routing tables are external to the Envelope itself.
	Destination string
	// Payload is the opaque message being routed. Receivers recover the
	// concrete type with a type assertion or type switch.
	Payload any
}

// New constructs an Envelope addressed to dest carrying payload.
func New(dest string, payload any) Envelope {
	return Envelope{Destination: dest, Payload: payload}
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{to: %q, payload: %v}", e.Destination, e.Payload)
}
