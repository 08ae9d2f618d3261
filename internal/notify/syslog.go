// Package notify delivers alerts off-box. The primary sink is a syslog
// collector reached over UDP or TCP; a secondary JSON-lines file sink
// keeps a local record. Nothing here queues: an alert is delivered inline
// or reported as failed, and the caller decides what that means.
package notify

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/your-org/owwatchd/internal/classify"
	"github.com/your-org/owwatchd/internal/config"
)

var facilities = map[string]int{
	"kern":     0,
	"user":     1,
	"mail":     2,
	"daemon":   3,
	"auth":     4,
	"syslog":   5,
	"lpr":      6,
	"news":     7,
	"uucp":     8,
	"cron":     9,
	"authpriv": 10,
	"ftp":      11,
	"local0":   16,
	"local1":   17,
	"local2":   18,
	"local3":   19,
	"local4":   20,
	"local5":   21,
	"local6":   22,
	"local7":   23,
}

var severities = map[string]int{
	"emerg":   0,
	"panic":   0,
	"alert":   1,
	"crit":    2,
	"err":     3,
	"error":   3,
	"warning": 4,
	"warn":    4,
	"notice":  5,
	"info":    6,
	"debug":   7,
}

// ParseFacility maps a syslog facility name to its numeric code.
func ParseFacility(name string) (int, error) {
	f, ok := facilities[name]
	if !ok {
		return 0, fmt.Errorf("unknown syslog facility %q", name)
	}
	return f, nil
}

// ParseSeverity maps a syslog severity name to its numeric code. The
// common aliases (error, warn, panic) are accepted.
func ParseSeverity(name string) (int, error) {
	s, ok := severities[name]
	if !ok {
		return 0, fmt.Errorf("unknown syslog severity %q", name)
	}
	return s, nil
}

// DeliveryError reports an alert that could not be delivered even after a
// fresh connection. The alert it carried is gone; there is no retry queue.
type DeliveryError struct {
	Addr string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver alert to %s: %v", e.Addr, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Syslog formats alerts as RFC 3164 messages and sends them to a single
// collector. The connection is established lazily on the first Send and
// reused; on a send failure it reconnects and resends exactly once, then
// gives up on that alert. Safe for one sender; the mutex covers Close
// racing a final Send during shutdown.
type Syslog struct {
	mu        sync.Mutex
	tr        Transport
	addr      string
	pri       int
	hostname  string
	tag       string
	framed    bool
	connected bool
	log       *slog.Logger
}

// NewSyslog validates the collector settings and builds the notifier.
// It does not connect: the collector being down at startup is a delivery
// problem, not a configuration problem.
func NewSyslog(cfg config.Syslog, log *slog.Logger) (*Syslog, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("syslog server must not be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("syslog port %d is not between 1 and 65535", cfg.Port)
	}
	if cfg.Protocol != "udp" && cfg.Protocol != "tcp" {
		return nil, fmt.Errorf("syslog protocol must be udp or tcp, got %q", cfg.Protocol)
	}
	if cfg.Tag == "" {
		return nil, fmt.Errorf("syslog tag must not be empty")
	}
	fac, err := ParseFacility(cfg.Facility)
	if err != nil {
		return nil, err
	}
	sev, err := ParseSeverity(cfg.Severity)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port))
	return newSyslog(newNetTransport(cfg.Protocol, addr), addr, fac*8+sev, cfg.Tag, cfg.Protocol == "tcp", log), nil
}

func newSyslog(tr Transport, addr string, pri int, tag string, framed bool, log *slog.Logger) *Syslog {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Syslog{
		tr:       tr,
		addr:     addr,
		pri:      pri,
		hostname: hostname,
		tag:      tag,
		framed:   framed,
		log:      log,
	}
}

// Send delivers one alert. On failure it tears the connection down,
// reconnects and resends once; a second failure returns a DeliveryError
// and the alert is lost.
func (s *Syslog) Send(a classify.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.format(a)
	err := s.trySend(msg)
	if err == nil {
		return nil
	}
	s.log.Debug("resending alert on a fresh connection", "addr", s.addr, "err", err)
	s.disconnect()
	if err := s.trySend(msg); err != nil {
		s.disconnect()
		return &DeliveryError{Addr: s.addr, Err: err}
	}
	return nil
}

func (s *Syslog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return s.tr.Close()
}

func (s *Syslog) trySend(msg []byte) error {
	if !s.connected {
		if err := s.tr.Connect(); err != nil {
			return err
		}
		s.connected = true
	}
	return s.tr.Send(msg)
}

func (s *Syslog) disconnect() {
	s.tr.Close()
	s.connected = false
}

// format renders the RFC 3164 wire form:
//
//	<PRI>TIMESTAMP HOSTNAME TAG: payload
//
// PRI is facility*8+severity. The timestamp uses the traditional
// space-padded "Jan _2 15:04:05" layout. TCP messages are newline-framed;
// UDP messages are one datagram each.
func (s *Syslog) format(a classify.Alert) []byte {
	msg := fmt.Sprintf("<%d>%s %s %s: %s",
		s.pri, a.Time.Format(time.Stamp), s.hostname, s.tag, a.Payload())
	if s.framed {
		msg += "\n"
	}
	return []byte(msg)
}
