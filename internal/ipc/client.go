package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// Client maintains one persistent connection to the worker socket. Send is
// safe for concurrent use; a failed write closes the connection so the next
// call redials. The caller treats any error as "IPC tier unavailable" and
// falls through to the spool.
type Client struct {
	socketPath   string
	writeTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func NewClient(socketPath string, writeTimeout time.Duration) *Client {
	return &Client{socketPath: socketPath, writeTimeout: writeTimeout}
}

// Send marshals the record and writes one line within the write timeout.
func (c *Client) Send(rec model.TrackingRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	payload = append(payload, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("unix", c.socketPath, c.writeTimeout)
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.socketPath, err)
		}
		c.conn = conn
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(payload); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close drops the connection if one is open.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
