package endpoint

import "context"

// EventKind classifies link-state events emitted by an endpoint adapter.
type EventKind string

const (
	EventLinkRequest   EventKind = "link-request-issued"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailure   EventKind = "auth-failure"
)

// Event is a link-state change reported by the messaging network.
//
// Token is set only for EventLinkRequest (the pairing payload the user
// scans/enters). Reason is set for EventDisconnected and EventAuthFailure.
type Event struct {
	Kind   EventKind
	Token  string
	Reason string
}

// Attachment references a transient binary resource sent alongside a
// message. The path points at a file the caller owns until released.
type Attachment struct {
	Path     string
	FileName string
	MimeType string
}

// Endpoint is the opaque capability the core uses to reach the external
// chat network. Implementations own the network client; the core never
// sees transport details.
//
// Start begins the connect/authenticate lifecycle and emits Events on out
// until Stop is called. Events must never block the adapter: out should be
// buffered by the consumer.
type Endpoint interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	// Logout invalidates the remote link (the device stays reachable but
	// must re-pair). Implementations should emit EventDisconnected.
	Logout(ctx context.Context) error

	// Send delivers one message to one recipient address, with an optional
	// attachment. Delivery is at-most-once; an error means not delivered.
	Send(ctx context.Context, address, message string, att *Attachment) error

	// IsReachable reports whether the address can receive messages on this
	// network. Best-effort; adapters may always return true.
	IsReachable(ctx context.Context, address string) (bool, error)
}
