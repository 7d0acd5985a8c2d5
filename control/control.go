// Package control implements a loopback-only, connection-capped local IPC
// listener through which co-located applications open destinations and
// exchange LXMF messages with this node (SPEC_FULL.md §D "local app IPC"):
// the node's only application-facing surface, since spec.md's "no
// user-facing applications" excludes building one in, not talking to one.
package control

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/cvsouth/rns-go/lxmf"
)

// maxConns bounds simultaneous local application connections. Far smaller
// than a public-facing proxy's cap: this listener only ever serves
// co-located processes.
const maxConns = 32

// Handler resolves control-protocol requests against the running node.
// A thin adapter the caller (cmd/rnsd) supplies, keeping this package
// free of any direct Transport/Identity/Destination dependency.
type Handler interface {
	// OpenDestination creates or looks up a destination named by appName
	// and aspects, returning its 16-byte hash hex-encoded.
	OpenDestination(appName string, aspects []string) (string, error)
	// Send delivers title/content to the destination identified by the
	// hex-encoded destination hash.
	Send(destHashHex, title string, content []byte) error
}

// Server accepts line-oriented control connections on a loopback address.
type Server struct {
	Addr    string
	Handler Handler
	Logger  *slog.Logger

	// Router, if set, has its inbound deliveries broadcast to every
	// connected client as unsolicited MSG lines.
	Router *lxmf.Router

	ln  net.Listener
	sem chan struct{}

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn net.Conn
	out  *bufio.Writer
	mu   sync.Mutex
}

func (c *client) writeLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.WriteString(line + "\n"); err != nil {
		return err
	}
	return c.out.Flush()
}

// ListenAndServe binds Addr (which must be a loopback address) and serves
// control connections until an accept error occurs.
func (s *Server) ListenAndServe() error {
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("control: parse listen address: %w", err)
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("control: server must bind to loopback address, got %s", host)
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on an already-created listener.
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.clients = make(map[*client]struct{})
	if s.Router != nil {
		s.Router.OnDeliver(s.broadcast)
	}
	s.Logger.Info("control: listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("control: accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops the listener; in-flight connections finish independently.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	c := &client{conn: conn, out: bufio.NewWriter(conn)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.dispatch(c, line); err != nil {
			s.Logger.Debug("control: command failed", "err", err)
		}
	}
}

func (s *Server) dispatch(c *client, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToUpper(fields[0]) {
	case "OPEN":
		if len(fields) < 2 {
			return c.writeLine("ERR missing app name")
		}
		hashHex, err := s.Handler.OpenDestination(fields[1], fields[2:])
		if err != nil {
			return c.writeLine("ERR " + err.Error())
		}
		return c.writeLine("OK " + hashHex)

	case "SEND":
		if len(fields) != 4 {
			return c.writeLine("ERR usage: SEND <dest-hex> <title-b64> <content-b64>")
		}
		title, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			return c.writeLine("ERR bad title encoding")
		}
		content, err := base64.StdEncoding.DecodeString(fields[3])
		if err != nil {
			return c.writeLine("ERR bad content encoding")
		}
		if err := s.Handler.Send(fields[1], string(title), content); err != nil {
			return c.writeLine("ERR " + err.Error())
		}
		return c.writeLine("OK")

	default:
		return c.writeLine("ERR unknown command " + fields[0])
	}
}

// broadcast pushes an inbound LXMF message to every connected client as an
// unsolicited MSG line. A slow or dead client is dropped rather than
// allowed to block delivery to the rest.
func (s *Server) broadcast(msg *lxmf.Message) {
	line := fmt.Sprintf("MSG %x %s %s",
		msg.SourceHash,
		base64.StdEncoding.EncodeToString([]byte(msg.Title)),
		base64.StdEncoding.EncodeToString(msg.Content))

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.writeLine(line); err != nil {
			s.Logger.Debug("control: dropping unresponsive client", "err", err)
			_ = c.conn.Close()
		}
	}
}
