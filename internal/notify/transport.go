package notify

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	dialTimeout = 10 * time.Second
	sendTimeout = 5 * time.Second
)

// Transport moves one formatted syslog message at a time to the collector.
// Connect and Close bracket a connection's lifetime; Send requires a prior
// successful Connect. Delivery policy (when to reconnect, when to give up)
// lives above this interface.
type Transport interface {
	Connect() error
	Send(msg []byte) error
	Close() error
}

type netTransport struct {
	network string
	addr    string
	conn    net.Conn
}

func newNetTransport(network, addr string) *netTransport {
	return &netTransport{network: network, addr: addr}
}

func (t *netTransport) Connect() error {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	conn, err := net.DialTimeout(t.network, t.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", t.network, t.addr, err)
	}
	t.conn = conn
	return nil
}

func (t *netTransport) Send(msg []byte) error {
	if t.conn == nil {
		return errors.New("transport not connected")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	if _, err := t.conn.Write(msg); err != nil {
		return err
	}
	return nil
}

func (t *netTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
