package channel

import (
	"context"
	"time"

	"github.com/pairlink/pairlink/pkg/network"
	"github.com/pairlink/pairlink/pkg/protocol"
)

// GroupInfo describes the state of the paired group as reported by the
// external pairing collaborator.
type GroupInfo struct {
	// GroupFormed is false while pairing is still in progress.
	GroupFormed bool

	// IsGroupOwner is this peer's role: owners listen, clients connect.
	IsGroupOwner bool

	// OwnerAddress is the owner's address on the local link. It doubles
	// as the owner's identity string when this peer is the client.
	OwnerAddress string
}

// DeviceInfo identifies the local device inside the group.
type DeviceInfo struct {
	Identity string
	Name     string
}

// GroupInfoProvider is the external collaborator that supplies group
// formation state and device identity. The channel never caches its
// answers: role is re-derived on every bring-up attempt. Returning
// (nil, nil) means "not known yet".
type GroupInfoProvider interface {
	ConnectionInfo(ctx context.Context) (*GroupInfo, error)
	CurrentDevice(ctx context.Context) (*DeviceInfo, error)
}

// MessageListener receives channel events. Callbacks run on the channel's
// inbound goroutine: OnData is invoked once per decoded envelope in
// arrival order, OnCreated once the subscription attaches, and exactly one
// of OnDone/OnError when the socket ends. Nil callbacks are skipped.
type MessageListener struct {
	OnData    func(*protocol.Envelope)
	OnDone    func()
	OnCreated func()
	OnError   func(error)

	// CancelOnError tears the whole subscription down on the first socket
	// error. When false only the observable state drops to not-connected
	// and the handles stay until Cancel.
	CancelOnError bool
}

// ConnectionConfig is the per-channel configuration supplied at Start. It
// replaces any prior configuration for the lifetime of the channel.
type ConnectionConfig struct {
	// Host is the owner-side bind address; empty binds all interfaces.
	Host string

	// Port is the shared listening port carrying probes, the message
	// socket and all file sockets.
	Port int

	// ReconnectInterval paces the fixed-interval bring-up retries.
	// Defaults to DefaultReconnectInterval.
	ReconnectInterval time.Duration

	// RequestObserver, when set, sees every raw inbound request on the
	// owner's listening port before protocol classification.
	RequestObserver network.RequestObserver
}
