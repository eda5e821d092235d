package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/poelstra/mhub-sub000/internal/client"
	"github.com/poelstra/mhub-sub000/internal/hub"
	"github.com/poelstra/mhub-sub000/internal/metrics"
	"github.com/poelstra/mhub-sub000/pkg/logging"
	"github.com/poelstra/mhub-sub000/pkg/server"
)

const tcpWriteTimeout = 10 * time.Second

// TCPServer runs the broker protocol over raw TCP: one JSON document per
// line, LF-terminated with CRLF tolerated, empty lines ignored. Protocol
// errors terminate the connection after the error response.
type TCPServer struct {
	hub       *hub.Hub
	logger    logging.Logger
	metrics   *metrics.Metrics
	addr      string
	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
	active   map[net.Conn]struct{}
	conns    sync.WaitGroup
}

// NewTCPServer creates a TCP listener for addr. A non-nil tlsConfig makes
// it a TLS listener.
func NewTCPServer(h *hub.Hub, addr string, tlsConfig *tls.Config, logger logging.Logger, m *metrics.Metrics) *TCPServer {
	return &TCPServer{
		hub:       h,
		logger:    logger,
		metrics:   m,
		addr:      addr,
		tlsConfig: tlsConfig,
		active:    make(map[net.Conn]struct{}),
	}
}

// Addr returns the configured listen address
func (s *TCPServer) Addr() string { return s.addr }

// ListenAddr returns the bound address once the listener is up, empty
// before that. Lets tests listen on port 0.
func (s *TCPServer) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Component wraps the server for the runner.
func (s *TCPServer) Component() server.Component {
	return server.Component{
		Name:  "tcp",
		Start: s.listen,
		Stop:  s.shutdown,
	}
}

func (s *TCPServer) listen() error {
	var (
		ln  net.Listener
		err error
	)
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"addr": s.addr,
		"tls":  s.tlsConfig != nil,
	}).Info("TCP listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serve(conn)
		}()
	}
}

func (s *TCPServer) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.New("tcp connections did not drain in time")
	}
}

func (s *TCPServer) serve(conn net.Conn) {
	defer s.untrack(conn)

	ob := newOutbox(s.logger)
	hc := client.New(s.hub, ob.respond, "tcp", s.logger, s.metrics)

	s.metrics.ConnectionOpened("tcp")
	s.logger.WithFields(logging.Fields{
		"connection": hc.ID(),
		"remote":     conn.RemoteAddr().String(),
	}).Info("TCP client connected")

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		s.writeLines(conn, ob)
	}()

	s.readLines(conn, ob, hc)

	hc.Close()
	conn.Close()
	writers.Wait()
	s.metrics.ConnectionClosed("tcp")
	s.logger.WithField("connection", hc.ID()).Info("TCP client disconnected")
}

// readLines feeds newline-delimited frames to the hub client. A protocol
// error terminates the connection once the error response has been queued.
func (s *TCPServer) readLines(conn net.Conn, ob *outbox, hc *client.HubClient) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			frame := bytes.TrimRight(line, "\r\n")
			if len(frame) > 0 {
				if perr := hc.ProcessCommand(frame); perr != nil {
					// The writer drains the queued error response
					// before closing the socket.
					ob.abort()
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Debug("TCP read error")
			}
			ob.abort()
			return
		}
	}
}

// writeLines drains the outbox, one newline-terminated JSON document per
// response.
func (s *TCPServer) writeLines(conn net.Conn, ob *outbox) {
	defer conn.Close()

	w := bufio.NewWriter(conn)
	for {
		select {
		case frame := <-ob.out:
			conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
			if _, err := w.Write(frame); err != nil {
				return
			}
			if err := w.WriteByte('\n'); err != nil {
				return
			}
			if len(ob.out) == 0 {
				if err := w.Flush(); err != nil {
					return
				}
			}

		case <-ob.done:
			// Final drain so a terminating error response reaches the
			// client.
			for {
				select {
				case frame := <-ob.out:
					conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
					if _, err := w.Write(frame); err != nil {
						return
					}
					if err := w.WriteByte('\n'); err != nil {
						return
					}
				default:
					w.Flush()
					return
				}
			}
		}
	}
}

func (s *TCPServer) track(conn net.Conn) {
	s.mu.Lock()
	s.active[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
}
