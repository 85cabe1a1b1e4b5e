package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairlink/pairlink/pkg/network"
	"github.com/pairlink/pairlink/pkg/protocol"
)

const testSecret = "channel-test-secret"

// fakeProvider is a controllable stand-in for the external pairing
// collaborator.
type fakeProvider struct {
	mu      sync.Mutex
	info    *GroupInfo
	device  *DeviceInfo
	infoErr error
}

func (f *fakeProvider) ConnectionInfo(ctx context.Context) (*GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	if f.info == nil {
		return nil, nil
	}
	info := *f.info
	return &info, nil
}

func (f *fakeProvider) CurrentDevice(ctx context.Context) (*DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.device == nil {
		return nil, nil
	}
	device := *f.device
	return &device, nil
}

func (f *fakeProvider) setInfo(info *GroupInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// testPeer bundles one manager with observation channels for its events.
type testPeer struct {
	mgr    *Manager
	states chan State
	data   chan *protocol.Envelope
	done   chan struct{}
	errs   chan error
}

func newTestPeer(t *testing.T, provider GroupInfoProvider, cancelOnError bool) *testPeer {
	t.Helper()

	peer := &testPeer{
		states: make(chan State, 32),
		data:   make(chan *protocol.Envelope, 32),
		done:   make(chan struct{}, 4),
		errs:   make(chan error, 4),
	}

	mgr, err := NewManager(Options{
		Provider: provider,
		Secret:   testSecret,
		Logger:   quietLogger(),
		Listener: MessageListener{
			OnData:        func(env *protocol.Envelope) { peer.data <- env },
			OnDone:        func() { peer.done <- struct{}{} },
			OnError:       func(err error) { peer.errs <- err },
			CancelOnError: cancelOnError,
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	mgr.OnStateChange = func(s State) { peer.states <- s }

	peer.mgr = mgr
	t.Cleanup(func() { mgr.Cancel() })
	return peer
}

func (p *testPeer) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-p.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s (currently %s)", want, p.mgr.State())
		}
	}
}

// startPair brings up a connected owner/client pair on a shared port.
func startPair(t *testing.T) (owner, client *testPeer) {
	t.Helper()
	port := freePort(t)

	ownerProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, IsGroupOwner: true},
		device: &DeviceInfo{Identity: "owner-device", Name: "Owner"},
	}
	clientProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, OwnerAddress: "127.0.0.1"},
		device: &DeviceInfo{Identity: "client-device", Name: "Client"},
	}

	owner = newTestPeer(t, ownerProvider, false)
	client = newTestPeer(t, clientProvider, false)

	cfg := ConnectionConfig{Host: "127.0.0.1", Port: port, ReconnectInterval: 50 * time.Millisecond}

	if err := owner.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("owner Start() error = %v", err)
	}
	if err := client.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("client Start() error = %v", err)
	}

	owner.waitState(t, StateConnected)
	client.waitState(t, StateConnected)
	return owner, client
}

func TestOwnerClientConnect(t *testing.T) {
	owner, client := startPair(t)

	// The channel binds each side to the peer's identity
	if got := owner.mgr.PeerIdentity(); got != "client-device" {
		t.Errorf("owner bound to %q, want client-device", got)
	}
	if got := client.mgr.PeerIdentity(); got != "127.0.0.1" {
		t.Errorf("client bound to %q, want the owner address", got)
	}

	// Client to owner
	sent, err := client.mgr.Send(context.Background(), protocol.NewTextMessage("127.0.0.1", "hello owner"))
	if err != nil || !sent {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}

	select {
	case env := <-owner.data:
		if text, ok := env.Content.(protocol.TextMessage); !ok || text.Text != "hello owner" {
			t.Errorf("owner received %#v, want the text message", env.Content)
		}
		// The claimed sender identity is pinned to the bound peer
		if env.Sender.Identity != "client-device" {
			t.Errorf("sender identity = %q, want client-device", env.Sender.Identity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owner never received the message")
	}

	// Owner to client
	sent, err = owner.mgr.Send(context.Background(), protocol.NewTextMessage("client-device", "hello client"))
	if err != nil || !sent {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}

	select {
	case env := <-client.data:
		if text, ok := env.Content.(protocol.TextMessage); !ok || text.Text != "hello client" {
			t.Errorf("client received %#v, want the text message", env.Content)
		}
		// Coerced even though the owner sent its device identity
		if env.Sender.Identity != "127.0.0.1" {
			t.Errorf("sender identity = %q, want the owner address", env.Sender.Identity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the message")
	}
}

func TestClientStateSequence(t *testing.T) {
	port := freePort(t)

	clientProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, OwnerAddress: "127.0.0.1"},
		device: &DeviceInfo{Identity: "client-device"},
	}
	client := newTestPeer(t, clientProvider, false)

	if got := client.mgr.State(); got != StateNotConnected {
		t.Fatalf("initial state = %s, want not-connected", got)
	}

	ownerProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, IsGroupOwner: true},
		device: &DeviceInfo{Identity: "owner-device"},
	}
	owner := newTestPeer(t, ownerProvider, false)

	cfg := ConnectionConfig{Host: "127.0.0.1", Port: port, ReconnectInterval: 50 * time.Millisecond}
	if err := owner.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("owner Start() error = %v", err)
	}
	if err := client.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("client Start() error = %v", err)
	}

	// The observed sequence is exactly Loading then Connected
	expect := func(want State) {
		t.Helper()
		select {
		case s := <-client.states:
			if s != want {
				t.Fatalf("transition to %s, want %s", s, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("never transitioned to %s", want)
		}
	}
	expect(StateLoading)
	expect(StateConnected)

	select {
	case s := <-client.states:
		t.Fatalf("unexpected extra transition to %s", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientRetriesUntilOwnerReady(t *testing.T) {
	port := freePort(t)
	interval := 50 * time.Millisecond

	clientProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, OwnerAddress: "127.0.0.1"},
		device: &DeviceInfo{Identity: "client-device"},
	}
	client := newTestPeer(t, clientProvider, false)

	cfg := ConnectionConfig{Host: "127.0.0.1", Port: port, ReconnectInterval: interval}
	if err := client.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("client Start() error = %v", err)
	}
	client.waitState(t, StateLoading)

	// Several probe cycles against a dead port: still loading
	time.Sleep(4 * interval)
	if got := client.mgr.State(); got != StateLoading {
		t.Fatalf("state after failed probes = %s, want loading", got)
	}

	// Owner comes up; the next cycle connects
	ownerProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, IsGroupOwner: true},
		device: &DeviceInfo{Identity: "owner-device"},
	}
	owner := newTestPeer(t, ownerProvider, false)
	if err := owner.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("owner Start() error = %v", err)
	}

	client.waitState(t, StateConnected)
	owner.waitState(t, StateConnected)
}

func TestStartWhileGroupNotFormed(t *testing.T) {
	port := freePort(t)

	clientProvider := &fakeProvider{
		device: &DeviceInfo{Identity: "client-device"},
	}
	client := newTestPeer(t, clientProvider, false)

	cfg := ConnectionConfig{Host: "127.0.0.1", Port: port, ReconnectInterval: 50 * time.Millisecond}

	// No group yet: the caller learns "not yet" while the retry chain is
	// already scheduled and the channel stays loading
	err := client.mgr.Start(context.Background(), cfg)
	if !errors.Is(err, ErrGroupNotFormed) {
		t.Fatalf("Start() error = %v, want ErrGroupNotFormed", err)
	}
	if got := client.mgr.State(); got != StateLoading {
		t.Fatalf("state = %s, want loading", got)
	}

	// Owner appears and the group forms; the scheduled retry picks the
	// client role up without another Start call
	ownerProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, IsGroupOwner: true},
		device: &DeviceInfo{Identity: "owner-device"},
	}
	owner := newTestPeer(t, ownerProvider, false)
	if err := owner.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("owner Start() error = %v", err)
	}

	clientProvider.setInfo(&GroupInfo{GroupFormed: true, OwnerAddress: "127.0.0.1"})

	client.waitState(t, StateConnected)
}

func TestStartTwiceFails(t *testing.T) {
	provider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, OwnerAddress: "127.0.0.1"},
		device: &DeviceInfo{Identity: "client-device"},
	}
	client := newTestPeer(t, provider, false)

	cfg := ConnectionConfig{Host: "127.0.0.1", Port: freePort(t), ReconnectInterval: 50 * time.Millisecond}
	if err := client.mgr.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := client.mgr.Start(context.Background(), cfg); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestOwnerBindFailurePropagates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy a port: %v", err)
	}
	defer ln.Close()
	busyPort := ln.Addr().(*net.TCPAddr).Port

	ownerProvider := &fakeProvider{
		info:   &GroupInfo{GroupFormed: true, IsGroupOwner: true},
		device: &DeviceInfo{Identity: "owner-device"},
	}
	owner := newTestPeer(t, ownerProvider, false)

	cfg := ConnectionConfig{Host: "127.0.0.1", Port: busyPort, ReconnectInterval: 50 * time.Millisecond}
	if err := owner.mgr.Start(context.Background(), cfg); err == nil {
		t.Fatal("Start() should propagate the bind failure")
	}

	// Bind failures are fatal: no retry, channel reverted
	if got := owner.mgr.State(); got != StateNotConnected {
		t.Errorf("state after bind failure = %s, want not-connected", got)
	}
}

func TestSendValidation(t *testing.T) {
	_, client := startPair(t)

	tests := []struct {
		name    string
		message protocol.Message
		wantErr error
	}{
		{
			name:    "no content",
			message: protocol.Message{To: "127.0.0.1"},
			wantErr: protocol.ErrNoContent,
		},
		{
			name:    "no recipient",
			message: protocol.Message{Content: protocol.TextMessage{Text: "x"}},
			wantErr: protocol.ErrNoRecipient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent, err := client.mgr.Send(context.Background(), tt.message)
			if sent || !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() = (%v, %v), want (false, %v)", sent, err, tt.wantErr)
			}
			// Invalid input never mutates channel state
			if got := client.mgr.State(); got != StateConnected {
				t.Errorf("state = %s, want connected", got)
			}
		})
	}
}

func TestSendNotConnected(t *testing.T) {
	provider := &fakeProvider{device: &DeviceInfo{Identity: "client-device"}}
	client := newTestPeer(t, provider, false)

	sent, err := client.mgr.Send(context.Background(), protocol.NewTextMessage("anyone", "hello"))
	if sent || err != nil {
		t.Errorf("Send() = (%v, %v), want (false, nil)", sent, err)
	}
}

func TestSendToUnboundIdentity(t *testing.T) {
	owner, client := startPair(t)

	// Addressed to a different peer than the channel is bound to: not
	// sent, no write happens
	sent, err := client.mgr.Send(context.Background(), protocol.NewTextMessage("some-other-device", "misdirected"))
	if sent || err != nil {
		t.Fatalf("Send() = (%v, %v), want (false, nil)", sent, err)
	}

	// A correctly addressed message still goes through, and arrives
	// first, proving the misdirected one was never written
	if sent, err := client.mgr.Send(context.Background(), protocol.NewTextMessage("127.0.0.1", "directed")); !sent || err != nil {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}

	select {
	case env := <-owner.data:
		if env.Content.(protocol.TextMessage).Text != "directed" {
			t.Errorf("owner received %#v, the misdirected message leaked", env.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owner never received the directed message")
	}

	select {
	case env := <-owner.data:
		t.Fatalf("unexpected extra message %#v", env.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUndecodableFrameDropped(t *testing.T) {
	owner, client := startPair(t)

	// Push garbage straight onto the owner's live socket
	owner.mgr.mu.Lock()
	sock := owner.mgr.socket
	owner.mgr.mu.Unlock()
	if err := sock.Write([]byte("definitely not an encrypted envelope")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// The offending frame is dropped and the channel keeps working
	if sent, err := owner.mgr.Send(context.Background(), protocol.NewTextMessage("client-device", "still alive")); !sent || err != nil {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}

	select {
	case env := <-client.data:
		if env.Content.(protocol.TextMessage).Text != "still alive" {
			t.Errorf("client received %#v, want the follow-up message", env.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not survive the undecodable frame")
	}

	if got := client.mgr.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestCancel(t *testing.T) {
	owner, client := startPair(t)

	if err := client.mgr.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := client.mgr.State(); got != StateNotConnected {
		t.Fatalf("state after cancel = %s, want not-connected", got)
	}

	// Cancel is idempotent
	if err := client.mgr.Cancel(); err != nil {
		t.Errorf("second Cancel() error = %v", err)
	}

	// The owner sees a clean done and also drops the channel
	select {
	case <-owner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("owner never observed the peer closing")
	}
	owner.waitState(t, StateNotConnected)

	// Sends degrade to not-sent on both sides
	if sent, err := client.mgr.Send(context.Background(), protocol.NewTextMessage("127.0.0.1", "late")); sent || err != nil {
		t.Errorf("Send() after cancel = (%v, %v), want (false, nil)", sent, err)
	}
}

func TestNoCallbacksAfterCancel(t *testing.T) {
	_, client := startPair(t)

	client.mgr.mu.Lock()
	staleGen := client.mgr.generation
	client.mgr.mu.Unlock()

	if err := client.mgr.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	// A frame surfacing from the old subscription after cancel must not
	// reach the listener
	frame, err := client.mgr.codec.Encode(protocol.TextMessage{Text: "ghost"}, protocol.SenderInfo{Identity: "x"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	client.mgr.handleFrame(context.Background(), frame, staleGen)

	select {
	case env := <-client.data:
		t.Fatalf("listener invoked after cancel with %#v", env.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketErrorHonorsCancelOnError(t *testing.T) {
	tests := []struct {
		name          string
		cancelOnError bool
		wantSubbed    bool
	}{
		{name: "cancel on error tears down", cancelOnError: true, wantSubbed: false},
		{name: "keep subscription on error", cancelOnError: false, wantSubbed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{device: &DeviceInfo{Identity: "client-device"}}
			peer := newTestPeer(t, provider, tt.cancelOnError)

			// Put the manager into a connected shape by hand
			peer.mgr.mu.Lock()
			peer.mgr.generation = 7
			peer.mgr.state = StateConnected
			peer.mgr.subscribed = true
			peer.mgr.peerIdentity = "peer"
			peer.mgr.mu.Unlock()

			peer.mgr.handleSocketError(errors.New("connection reset"), 7)

			if got := peer.mgr.State(); got != StateNotConnected {
				t.Errorf("state = %s, want not-connected", got)
			}

			peer.mgr.mu.Lock()
			subscribed := peer.mgr.subscribed
			peer.mgr.mu.Unlock()
			if subscribed != tt.wantSubbed {
				t.Errorf("subscribed = %v, want %v", subscribed, tt.wantSubbed)
			}

			select {
			case <-peer.errs:
			case <-time.After(time.Second):
				t.Error("listener OnError never invoked")
			}
		})
	}
}

func TestFileTransferSessionAcrossPeers(t *testing.T) {
	owner, client := startPair(t)

	ownerSessions := make(chan *network.FileTransferSession, 1)
	clientSessions := make(chan *network.FileTransferSession, 1)
	owner.mgr.Files().SetListener(func(s *network.FileTransferSession) { ownerSessions <- s })
	client.mgr.Files().SetListener(func(s *network.FileTransferSession) { clientSessions <- s })

	request := protocol.NewFilesRequest([]protocol.FileInfo{{Name: "photo.jpg", Size: 1024}})
	sent, err := client.mgr.Send(context.Background(), protocol.Message{To: "127.0.0.1", Content: request})
	if !sent || err != nil {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}

	// The requesting client dials the file socket; the owner accepts it.
	// Both sides end up with a live session under the same transfer id.
	select {
	case s := <-clientSessions:
		if s.TransferID != request.TransferID || s.Socket == nil {
			t.Errorf("client session = %+v, want live session for %s", s, request.TransferID)
		}
		if s.Direction != network.TransferRequest {
			t.Errorf("client session direction = %s, want request", s.Direction)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client file session never went live")
	}

	select {
	case s := <-ownerSessions:
		if s.TransferID != request.TransferID || s.Socket == nil {
			t.Errorf("owner session = %+v, want live session for %s", s, request.TransferID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owner file session never went live")
	}

	// The owner also saw the request envelope on the message socket
	select {
	case env := <-owner.data:
		if req, ok := env.Content.(protocol.FilesRequest); !ok || req.TransferID != request.TransferID {
			t.Errorf("owner received %#v, want the files request", env.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owner never received the files-request envelope")
	}

	// File traffic does not disturb the message channel
	if sent, err := client.mgr.Send(context.Background(), protocol.NewTextMessage("127.0.0.1", "after files")); !sent || err != nil {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}
	select {
	case env := <-owner.data:
		if env.Content.(protocol.TextMessage).Text != "after files" {
			t.Errorf("owner received %#v, want the follow-up text", env.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message channel stalled after file session setup")
	}
}
