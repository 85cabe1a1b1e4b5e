// Package channel implements the reconnecting duplex link between two
// paired peers: role-based bring-up, the connect state machine, and the
// send/receive/cancel surface the rest of the system talks to.
package channel

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairlink/pairlink/pkg/crypto"
	"github.com/pairlink/pairlink/pkg/network"
	"github.com/pairlink/pairlink/pkg/protocol"
)

var (
	ErrAlreadyStarted   = errors.New("channel already started")
	ErrGroupNotFormed   = errors.New("group not formed yet")
	ErrProviderRequired = errors.New("group info provider is required")
)

// DefaultReconnectInterval paces bring-up retries when the configuration
// does not say otherwise.
const DefaultReconnectInterval = 2 * time.Second

// Options configures a Manager.
type Options struct {
	// Provider supplies group formation state and device identity.
	Provider GroupInfoProvider

	// Listener receives inbound envelopes and lifecycle events.
	Listener MessageListener

	// Secret is the pairing secret the channel key is derived from.
	// Empty selects the compiled-in default key, which every build
	// shares; see crypto.DefaultSharedSecret.
	Secret string

	Logger *logrus.Logger
}

// Manager is the channel orchestrator. It derives the peer's role, drives
// the connect state machine, exclusively owns the listening server, the
// single message socket and its subscription, and exposes Send and Cancel.
// One Manager serves one logical communication session.
type Manager struct {
	logger    *logrus.Logger
	provider  GroupInfoProvider
	codec     *protocol.Codec
	connector *network.Connector
	files     *network.FilePool
	listener  MessageListener

	// OnStateChange observes every state transition. It runs on the
	// goroutine that caused the transition and must not call back into
	// the manager.
	OnStateChange func(State)

	mu           sync.Mutex
	state        State
	cfg          ConnectionConfig
	ctx          context.Context
	generation   uint64
	server       *network.Server
	socket       *network.Socket
	subscribed   bool
	peerIdentity string
}

// NewManager creates a channel manager. The channel stays NotConnected
// until Start.
func NewManager(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, ErrProviderRequired
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	codec, err := protocol.NewCodec(crypto.DeriveKey(opts.Secret))
	if err != nil {
		return nil, err
	}

	connector := network.NewConnector(logger)

	return &Manager{
		logger:    logger,
		provider:  opts.Provider,
		codec:     codec,
		connector: connector,
		files:     network.NewFilePool(connector, logger),
		listener:  opts.Listener,
		state:     StateNotConnected,
	}, nil
}

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerIdentity returns the identity this channel is bound to, empty while
// not connected.
func (m *Manager) PeerIdentity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerIdentity
}

// Files exposes the file channel multiplexer so callers can configure its
// listener before starting the channel.
func (m *Manager) Files() *network.FilePool {
	return m.files
}

// Start brings the channel up with the given configuration. The role is
// resolved through the provider: owners bind the listening server (bind
// failures are returned and never retried), clients enter the fixed
// interval probe/connect loop. A group that has not formed yet returns
// ErrGroupNotFormed while a full retry is already scheduled; the channel
// stays in Loading.
func (m *Manager) Start(ctx context.Context, cfg ConnectionConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.state != StateNotConnected {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	m.cfg = cfg
	m.ctx = ctx
	m.generation++
	gen := m.generation
	m.setStateLocked(StateLoading)
	m.mu.Unlock()

	return m.establish(ctx, gen)
}

// establish runs one full bring-up attempt: query the provider, resolve
// the role, act on it.
func (m *Manager) establish(ctx context.Context, gen uint64) error {
	info, err := m.provider.ConnectionInfo(ctx)
	if err != nil || info == nil || !info.GroupFormed {
		if err != nil {
			m.logger.Debugf("Group info not available: %v", err)
		}
		m.logger.Infof("🔄 Group not formed yet, retrying in %v", m.reconnectInterval())
		m.scheduleEstablish(ctx, gen)
		return ErrGroupNotFormed
	}

	if info.IsGroupOwner {
		return m.startOwner(gen)
	}

	m.startClient(ctx, gen, info)
	return nil
}

// scheduleEstablish re-runs establish after the reconnect interval. The
// liveness check before acting keeps a cancelled channel from leaking
// timers or rescheduling itself forever.
func (m *Manager) scheduleEstablish(ctx context.Context, gen uint64) {
	time.AfterFunc(m.reconnectInterval(), func() {
		if !m.stillLoading(gen) {
			return
		}
		if err := m.establish(ctx, gen); err != nil && !errors.Is(err, ErrGroupNotFormed) {
			m.logger.Warnf("⚠️  Channel bring-up retry failed: %v", err)
		}
	})
}

// startOwner binds the listening server and waits for the client to
// upgrade. Loading persists until the message socket arrives.
func (m *Manager) startOwner(gen uint64) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	server := network.NewServer(network.ServerConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Observer: cfg.RequestObserver,
		Logger:   m.logger,
	})
	server.OnMessageSocket = func(sock *network.Socket, identity string) {
		m.adoptSocket(sock, identity, gen)
	}
	server.OnFileSocket = m.files.HandleUpgrade

	if err := server.Start(); err != nil {
		// A busy port is a fault, not a retry case
		m.mu.Lock()
		if m.generation == gen {
			m.setStateLocked(StateNotConnected)
		}
		m.mu.Unlock()
		return err
	}

	m.files.SetConnectionData(network.ConnectionData{
		IsOwner:   true,
		OwnerPort: server.Port(),
	})

	m.mu.Lock()
	if m.generation != gen {
		// Cancelled while binding
		m.mu.Unlock()
		server.Stop()
		return nil
	}
	m.server = server
	m.mu.Unlock()

	m.logger.Infof("👑 Owner role: awaiting client on port %d", server.Port())
	return nil
}

// startClient enters the probe/connect loop toward the owner.
func (m *Manager) startClient(ctx context.Context, gen uint64, info *GroupInfo) {
	m.files.SetConnectionData(network.ConnectionData{
		OwnerHost: info.OwnerAddress,
		OwnerPort: m.port(),
	})

	m.logger.Infof("📡 Client role: probing owner at %s:%d", info.OwnerAddress, m.port())
	go m.clientAttempt(ctx, gen, info)
}

// clientAttempt performs one probe/connect cycle: a single liveness probe,
// and on a valid pong the socket upgrade. Every failure reschedules the
// same attempt after the reconnect interval, unbounded, until the channel
// connects or is cancelled.
func (m *Manager) clientAttempt(ctx context.Context, gen uint64, info *GroupInfo) {
	if !m.stillLoading(gen) {
		return
	}

	token := protocol.BuildPing()
	resp, err := m.connector.Ping(ctx, info.OwnerAddress, m.port(), token)
	if err != nil {
		m.logger.Debugf("🔄 Probe failed, retrying in %v: %v", m.reconnectInterval(), err)
		m.scheduleClientAttempt(ctx, gen, info)
		return
	}
	if !protocol.IsPong(resp, token) {
		m.logger.Debugf("🔄 Probe got no valid pong, retrying in %v", m.reconnectInterval())
		m.scheduleClientAttempt(ctx, gen, info)
		return
	}

	device, err := m.provider.CurrentDevice(ctx)
	if err != nil || device == nil || device.Identity == "" {
		m.logger.Errorf("❌ No device identity to bind, reverting channel: %v", err)
		m.mu.Lock()
		if m.generation == gen {
			m.teardownLocked()
		}
		m.mu.Unlock()
		return
	}

	sock, err := m.connector.ConnectSocket(ctx, info.OwnerAddress, m.port(), network.SocketTypeMessage,
		url.Values{"identity": {device.Identity}})
	if err != nil {
		m.logger.Debugf("🔄 Socket upgrade failed, retrying in %v: %v", m.reconnectInterval(), err)
		m.scheduleClientAttempt(ctx, gen, info)
		return
	}

	// The owner's address is the identity this channel binds to
	m.adoptSocket(sock, info.OwnerAddress, gen)
}

func (m *Manager) scheduleClientAttempt(ctx context.Context, gen uint64, info *GroupInfo) {
	time.AfterFunc(m.reconnectInterval(), func() {
		m.clientAttempt(ctx, gen, info)
	})
}

// adoptSocket installs the message socket and attaches the inbound
// subscription. peerIdentity is the identity the channel binds to: the
// upgrading client's claimed identity on the owner side, the owner's
// address on the client side. An empty identity reverts the channel, a
// stale or duplicate socket is closed untouched.
func (m *Manager) adoptSocket(sock *network.Socket, peerIdentity string, gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateLoading || m.socket != nil {
		m.mu.Unlock()
		m.logger.Debugf("Rejecting message socket from %s: channel not in loading state", sock.RemoteAddr())
		sock.Close()
		return
	}
	if peerIdentity == "" {
		m.logger.Error("❌ Message socket carries no peer identity, reverting channel")
		m.teardownLocked()
		m.mu.Unlock()
		sock.Close()
		return
	}

	m.socket = sock
	m.peerIdentity = peerIdentity
	m.subscribed = true
	ctx := m.ctx
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Infof("✅ Channel connected to %s", peerIdentity)

	go sock.ReadLoop(
		func(frame []byte) { m.handleFrame(ctx, frame, gen) },
		func() { m.handleDone(gen) },
		func(err error) { m.handleSocketError(err, gen) },
	)

	if m.listener.OnCreated != nil {
		m.listener.OnCreated()
	}
}

// handleFrame processes one inbound frame. Decode failures drop just that
// frame; the subscription lives on.
func (m *Manager) handleFrame(ctx context.Context, frame []byte, gen uint64) {
	env, err := m.codec.Decode(frame)
	if err != nil {
		m.logger.Warnf("⚠️  Dropping undecodable frame: %v", err)
		return
	}

	m.mu.Lock()
	if m.generation != gen || !m.subscribed {
		m.mu.Unlock()
		return
	}
	peer := m.peerIdentity
	m.mu.Unlock()

	// Pin the claimed sender to the identity this channel is bound to; a
	// peer reporting an inconsistent self-identity gets corrected here.
	env.Sender.Identity = peer

	if protocol.IsFileContent(env.Content) {
		m.files.HandleFileContent(ctx, env.Content, true, env.Sender)
	}

	if m.listener.OnData != nil {
		m.listener.OnData(env)
	}
}

// handleDone reacts to the peer closing the socket cleanly.
func (m *Manager) handleDone(gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.logger.Info("Message socket closed by peer")
	m.teardownLocked()
	m.mu.Unlock()

	if m.listener.OnDone != nil {
		m.listener.OnDone()
	}
}

// handleSocketError reacts to an abnormal socket failure, honoring the
// listener's cancel-on-error choice.
func (m *Manager) handleSocketError(err error, gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.logger.Warnf("⚠️  Message socket error: %v", err)
	if m.listener.CancelOnError {
		m.teardownLocked()
	} else {
		m.setStateLocked(StateNotConnected)
	}
	m.mu.Unlock()

	if m.listener.OnError != nil {
		m.listener.OnError(err)
	}
}

// Send delivers one message to the bound peer. The message shape is
// validated first and an invalid message fails the call. After that the
// result degrades to (false, nil) instead of raising: not connected, a
// different recipient than the bound peer, or any encode/write failure
// all log and report "not sent". True means written to the local socket,
// not received by the peer.
func (m *Manager) Send(ctx context.Context, msg protocol.Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	state, sock, peer := m.state, m.socket, m.peerIdentity
	m.mu.Unlock()

	if state != StateConnected || sock == nil {
		m.logger.Debug("Message not sent: channel not connected")
		return false, nil
	}
	if msg.To != peer {
		m.logger.Warnf("⚠️  Message addressed to %q but channel is bound to %q, not sent", msg.To, peer)
		return false, nil
	}

	device, err := m.provider.CurrentDevice(ctx)
	if err != nil {
		m.logger.Warnf("⚠️  Device identity unavailable, message not sent: %v", err)
		return false, nil
	}
	if device == nil {
		m.logger.Warn("⚠️  Device identity unavailable, message not sent")
		return false, nil
	}
	sender := protocol.SenderInfo{Identity: device.Identity, Name: device.Name}

	frame, err := m.codec.Encode(msg.Content, sender)
	if err != nil {
		m.logger.Warnf("⚠️  Failed to encode message: %v", err)
		return false, nil
	}

	if err := sock.Write(frame); err != nil {
		// A transient write failure never tears the channel down by
		// itself; that only happens through the socket's own events.
		m.logger.Warnf("⚠️  Failed to write message: %v", err)
		return false, nil
	}

	if protocol.IsFileContent(msg.Content) {
		m.files.HandleFileContent(ctx, msg.Content, false, sender)
	}

	return true, nil
}

// Cancel tears the channel down: subscription, file sockets, message
// socket, server. Best effort and idempotent; every step runs even when
// an earlier one fails, and the first failure is returned.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("🛑 Cancelling channel")
	return m.teardownLocked()
}

// teardownLocked releases every transport handle and reverts the state.
// Bumping the generation stops in-flight retry chains and turns late
// socket callbacks into no-ops.
func (m *Manager) teardownLocked() error {
	m.generation++
	m.subscribed = false
	m.peerIdentity = ""

	var firstErr error

	m.files.CloseAll()

	if m.socket != nil {
		if err := m.socket.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.socket = nil
	}

	if m.server != nil {
		if err := m.server.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.server = nil
	}

	m.setStateLocked(StateNotConnected)
	return firstErr
}

// setStateLocked transitions the observable state and notifies the
// observer. Self-transitions are silent.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Infof("Channel state: %s -> %s", m.state, s)
	m.state = s
	if m.OnStateChange != nil {
		m.OnStateChange(s)
	}
}

func (m *Manager) reconnectInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.ReconnectInterval <= 0 {
		return DefaultReconnectInterval
	}
	return m.cfg.ReconnectInterval
}

func (m *Manager) port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Port
}

// stillLoading reports whether this bring-up generation is still the live
// one and the channel is still connecting. Retry chains check it before
// every reschedule.
func (m *Manager) stillLoading(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen && m.state == StateLoading
}
