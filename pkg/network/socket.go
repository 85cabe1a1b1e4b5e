package network

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrSocketClosed = errors.New("socket closed")

// SocketType selects which channel an upgrade request belongs to.
type SocketType string

const (
	// SocketTypeMessage upgrades to the single persistent message socket
	SocketTypeMessage SocketType = "message"

	// SocketTypeFile upgrades to a dedicated file-transfer socket
	SocketTypeFile SocketType = "file"
)

// Socket is a duplex frame pipe between the two peers, wrapping one
// websocket connection. Frames are binary and delivered in order. Writes
// may come from any goroutine; reads belong to a single consumer, either
// ReadLoop or repeated ReadFrame calls.
type Socket struct {
	conn *websocket.Conn

	// The underlying connection allows at most one concurrent writer
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func newSocket(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn}
}

// Write sends one binary frame to the peer. Returning nil means the frame
// was handed to the local connection, not that the peer received it.
func (s *Socket) Write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.IsClosed() {
		return ErrSocketClosed
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// ReadFrame blocks until the next frame arrives. Returns ErrSocketClosed
// after a local Close, and the transport error otherwise.
func (s *Socket) ReadFrame() ([]byte, error) {
	_, frame, err := s.conn.ReadMessage()
	if err != nil {
		if s.IsClosed() {
			return nil, ErrSocketClosed
		}
		return nil, err
	}
	return frame, nil
}

// ReadLoop consumes frames until the socket ends, invoking onFrame for each
// non-empty frame in arrival order. Empty frames are filtered here so they
// never reach a decoder. A clean shutdown (local Close or a close frame
// from the peer) invokes onDone; any other failure invokes onError. Exactly
// one of the two terminal callbacks fires, then ReadLoop returns.
func (s *Socket) ReadLoop(onFrame func([]byte), onDone func(), onError func(error)) {
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if s.IsClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if onDone != nil {
					onDone()
				}
			} else if onError != nil {
				onError(err)
			}
			return
		}

		if len(frame) == 0 {
			continue
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

// Close tears the socket down. Safe to call more than once; repeated calls
// return nil.
func (s *Socket) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	// Best effort: tell the peer this is a clean shutdown before dropping
	// the connection.
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}

// IsClosed reports whether Close has been called.
func (s *Socket) IsClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// RemoteAddr returns the peer's network address, for logging.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
