package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pairlink/pairlink/pkg/protocol"
)

// maxProbeResponse bounds how much of a probe response is read; a valid
// pong is a short token.
const maxProbeResponse = 256

// Connector is the client-side dialer: it probes the owner's listening
// port for readiness and upgrades connections to duplex sockets.
type Connector struct {
	logger *logrus.Logger
	client *http.Client
	dialer *websocket.Dialer
}

// NewConnector creates a connector with conservative local-link timeouts.
func NewConnector(logger *logrus.Logger) *Connector {
	if logger == nil {
		logger = logrus.New()
	}

	return &Connector{
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// Ping issues a single liveness probe and returns the raw response value.
// One call, one probe: retry policy belongs to the orchestrator.
func (c *Connector) Ping(ctx context.Context, host string, port int, token protocol.PingToken) (string, error) {
	probeURL := fmt.Sprintf("http://%s/?token=%s", joinHostPort(host, port), url.QueryEscape(string(token)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read probe response: %w", err)
	}

	return string(body), nil
}

// ConnectSocket performs the upgrade handshake for the given subtype and
// returns a live duplex socket. Fails with a connection error if the owner
// is not listening yet or rejects the upgrade.
func (c *Connector) ConnectSocket(ctx context.Context, host string, port int, socketType SocketType, query url.Values) (*Socket, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("type", string(socketType))

	socketURL := fmt.Sprintf("ws://%s/ws?%s", joinHostPort(host, port), query.Encode())

	conn, resp, err := c.dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s socket upgrade rejected (%s): %w", socketType, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect %s socket: %w", socketType, err)
	}

	c.logger.Infof("✅ Connected %s socket to %s", socketType, conn.RemoteAddr())
	return newSocket(conn), nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
