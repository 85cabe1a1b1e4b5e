package network

import (
	"context"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pairlink/pairlink/pkg/protocol"
)

// TransferDirection states which side of a transfer this peer is on.
type TransferDirection string

const (
	// TransferRequest marks the peer that offered the files and will send
	// the payload bytes.
	TransferRequest TransferDirection = "request"

	// TransferResponse marks the peer that was offered the files and will
	// receive the payload bytes.
	TransferResponse TransferDirection = "response"
)

// FileTransferSession tracks one active transfer and its dedicated socket.
type FileTransferSession struct {
	TransferID string
	Direction  TransferDirection
	Peer       protocol.SenderInfo
	Files      []protocol.FileInfo

	// Socket is nil until the transfer socket goes live.
	Socket *Socket
}

// FileListener is the sink for transfer sessions whose socket has gone
// live. The file-transfer logic behind it owns all payload I/O; the pool
// only manages socket lifecycle.
type FileListener func(session *FileTransferSession)

// ConnectionData tells the pool how to reach the peer for outbound file
// sockets. Owners accept inbound file sockets on the shared listening
// port; clients dial them.
type ConnectionData struct {
	OwnerHost string
	OwnerPort int
	IsOwner   bool
}

// FilePool is the file channel multiplexer. It keeps a pool of sockets,
// one per active transfer and keyed by transfer id, fully separate from
// the message socket so concurrent transfers never block or get
// misclassified as liveness traffic on the shared port.
type FilePool struct {
	logger    *logrus.Logger
	connector *Connector

	mu       sync.Mutex
	sessions map[string]*FileTransferSession
	listener FileListener
	conn     ConnectionData
	hasConn  bool
}

// NewFilePool creates an empty pool. Configure it with SetListener and
// SetConnectionData before routing any traffic through it.
func NewFilePool(connector *Connector, logger *logrus.Logger) *FilePool {
	if logger == nil {
		logger = logrus.New()
	}

	return &FilePool{
		logger:    logger,
		connector: connector,
		sessions:  make(map[string]*FileTransferSession),
	}
}

// SetListener configures the sink for live transfer sockets.
func (p *FilePool) SetListener(listener FileListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = listener
}

// SetConnectionData configures how outbound file sockets reach the peer.
func (p *FilePool) SetConnectionData(data ConnectionData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = data
	p.hasConn = true
}

// HandleFileContent reacts to a files-request or files-response passing
// through the channel in either direction: it allocates the transfer
// session and brings its socket up (dial on the client side, await the
// upgrade on the owner side). Non-file content is ignored. Failures are
// logged, never raised; a transfer with no socket simply stays pending.
func (p *FilePool) HandleFileContent(ctx context.Context, content protocol.Content, received bool, sender protocol.SenderInfo) {
	switch c := content.(type) {
	case protocol.FilesRequest:
		direction := TransferRequest
		if received {
			direction = TransferResponse
		}
		p.openSession(ctx, c.TransferID, direction, sender, c.Files)

	case protocol.FilesResponse:
		if !c.Accepted {
			p.logger.Infof("Transfer %s declined, releasing its socket", c.TransferID)
			p.CloseSession(c.TransferID)
			return
		}
		// Acceptance is a second chance to bring up a socket whose dial
		// failed at request time.
		p.redial(ctx, c.TransferID)
	}
}

// openSession allocates the session for a transfer id (idempotent) and
// starts its socket bring-up.
func (p *FilePool) openSession(ctx context.Context, transferID string, direction TransferDirection, peer protocol.SenderInfo, files []protocol.FileInfo) {
	if transferID == "" {
		p.logger.Warn("⚠️  Ignoring file content without a transfer id")
		return
	}

	p.mu.Lock()
	session, exists := p.sessions[transferID]
	if !exists {
		session = &FileTransferSession{
			TransferID: transferID,
			Direction:  direction,
			Peer:       peer,
			Files:      files,
		}
		p.sessions[transferID] = session
	}
	isOwner := p.conn.IsOwner
	p.mu.Unlock()

	if exists {
		return
	}

	p.logger.Infof("📁 Transfer session %s opened (%s side)", transferID, direction)

	if isOwner {
		// The socket arrives as an inbound upgrade; see HandleUpgrade.
		return
	}
	p.dial(ctx, transferID)
}

// redial attempts the outbound connect again for a pending session.
func (p *FilePool) redial(ctx context.Context, transferID string) {
	p.mu.Lock()
	session, exists := p.sessions[transferID]
	pending := exists && session.Socket == nil
	isOwner := p.conn.IsOwner
	p.mu.Unlock()

	if pending && !isOwner {
		p.dial(ctx, transferID)
	}
}

// dial connects the dedicated file socket for a transfer toward the
// owner's listening port.
func (p *FilePool) dial(ctx context.Context, transferID string) {
	p.mu.Lock()
	if !p.hasConn {
		p.mu.Unlock()
		p.logger.Warnf("⚠️  No connection data configured, transfer %s stays pending", transferID)
		return
	}
	host, port := p.conn.OwnerHost, p.conn.OwnerPort
	p.mu.Unlock()

	sock, err := p.connector.ConnectSocket(ctx, host, port, SocketTypeFile, url.Values{"id": {transferID}})
	if err != nil {
		p.logger.Warnf("⚠️  Failed to open file socket for transfer %s: %v", transferID, err)
		return
	}

	p.attach(transferID, sock)
}

// HandleUpgrade accepts an inbound file socket for the given transfer,
// already confirmed file-typed by the listening server. Upgrades may
// arrive before the files-request has been observed; the session is
// allocated on the fly in that case.
func (p *FilePool) HandleUpgrade(sock *Socket, transferID string) {
	p.mu.Lock()
	if _, exists := p.sessions[transferID]; !exists {
		p.sessions[transferID] = &FileTransferSession{
			TransferID: transferID,
			Direction:  TransferResponse,
		}
	}
	p.mu.Unlock()

	p.attach(transferID, sock)
}

// attach binds a live socket to its session and notifies the listener.
func (p *FilePool) attach(transferID string, sock *Socket) {
	p.mu.Lock()
	session, exists := p.sessions[transferID]
	if !exists || session.Socket != nil {
		p.mu.Unlock()
		// Stale or duplicate socket for this transfer
		sock.Close()
		return
	}
	session.Socket = sock
	listener := p.listener
	p.mu.Unlock()

	p.logger.Infof("✅ File socket live for transfer %s", transferID)

	if listener != nil {
		listener(session)
	}
}

// Session looks up the session for a transfer id.
func (p *FilePool) Session(transferID string) (*FileTransferSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, exists := p.sessions[transferID]
	return session, exists
}

// ActiveCount returns the number of open transfer sessions.
func (p *FilePool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// CloseSession tears down one transfer, closing its socket if live.
// Unknown ids are a no-op.
func (p *FilePool) CloseSession(transferID string) {
	p.mu.Lock()
	session, exists := p.sessions[transferID]
	delete(p.sessions, transferID)
	p.mu.Unlock()

	if exists && session.Socket != nil {
		session.Socket.Close()
	}
}

// CloseAll synchronously tears down every open file socket. Idempotent and
// never raises: sockets already closed are skipped, close errors are
// swallowed.
func (p *FilePool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*FileTransferSession)
	p.mu.Unlock()

	for id, session := range sessions {
		if session.Socket != nil {
			session.Socket.Close()
		}
		p.logger.Debugf("Closed transfer session %s", id)
	}
}
