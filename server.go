// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wlach/wvtftpd/config"
)

const defaultTick = 100 * time.Millisecond

// ErrInvalidNetwork is returned by ServerNet for networks other than udp.
var ErrInvalidNetwork = errors.New("tftp: invalid network, must be udp, udp4 or udp6")

// Server serves TFTP transfers for any number of clients from one UDP
// socket. Transfers are keyed by the remote address.
type Server struct {
	log   zerolog.Logger
	store config.Store
	net   string
	addr  string // empty means ":" + configured port
	tick  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	netConn net.PacketConn
	closing atomic.Bool

	// owned by the serving goroutine
	conns map[string]*conn

	stats counters
}

// ServerOpt is a function that configures a Server.
type ServerOpt func(*Server) error

// ServerNet configures the network a server listens on.
// Must be one of: udp, udp4, udp6.
//
// Default: udp.
func ServerNet(net string) ServerOpt {
	return func(s *Server) error {
		if net != "udp" && net != "udp4" && net != "udp6" {
			return ErrInvalidNetwork
		}
		s.net = net
		return nil
	}
}

// ServerAddr sets the listening address, overriding the TFTP/Port setting.
func ServerAddr(addr string) ServerOpt {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// ServerTick configures how often retransmission timers are checked.
//
// Default: 100ms.
func ServerTick(d time.Duration) ServerOpt {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("tftp: tick must be positive, got %s", d)
		}
		s.tick = d
		return nil
	}
}

// ServerLogger sets the logger. By default nothing is logged.
func ServerLogger(l zerolog.Logger) ServerOpt {
	return func(s *Server) error {
		s.log = l
		return nil
	}
}

// NewServer returns a configured Server. Settings are read from store
// whenever a request arrives, so changes apply to new transfers.
func NewServer(store config.Store, opts ...ServerOpt) (*Server, error) {
	s := &Server{
		log:   zerolog.Nop(),
		store: store,
		net:   "udp",
		tick:  defaultTick,
		now:   time.Now,
		conns: make(map[string]*conn),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Stats returns the current counters. Safe to call from any goroutine.
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// Addr is the address the server is listening on, nil before serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.netConn == nil {
		return nil
	}
	return s.netConn.LocalAddr()
}

// ListenAndServe starts a configured server.
func (s *Server) ListenAndServe() error {
	addr := s.addr
	if addr == "" {
		addr = ":" + strconv.Itoa(config.Int(s.store, keyPort, defaultPort))
	}

	pc, err := net.ListenPacket(s.net, addr)
	if err != nil {
		return wrapError(err, "listening on "+addr)
	}
	return s.Serve(pc)
}

// Serve serves requests arriving on pc until Close is called. It always
// closes pc and every open transfer before returning.
func (s *Server) Serve(pc net.PacketConn) error {
	s.mu.Lock()
	s.netConn = pc
	s.mu.Unlock()
	defer s.shutdown()

	if s.closing.Load() {
		return ErrServerClosed
	}

	s.log.Info().Str("addr", pc.LocalAddr().String()).Msg("serving TFTP")

	buf := make([]byte, maxPacketSize)
	next := s.now().Add(s.tick)
	for {
		if err := pc.SetReadDeadline(next); err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			return wrapError(err, "setting network read deadline")
		}

		n, addr, err := pc.ReadFrom(buf)
		switch {
		case err == nil:
			s.dispatch(buf[:n], addr)
		case s.closing.Load():
			return ErrServerClosed
		case errors.Is(err, net.ErrClosed):
			return wrapError(err, "reading from network")
		default:
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				s.log.Debug().Err(err).Msg("reading from network")
			}
		}

		if now := s.now(); !now.Before(next) {
			s.sweep(now)
			next = now.Add(s.tick)
		}
	}
}

// Close stops the server. Serve returns ErrServerClosed once it notices.
func (s *Server) Close() error {
	s.closing.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.netConn == nil {
		return nil
	}
	return s.netConn.Close()
}

// dispatch routes one datagram. b is only valid until dispatch returns.
func (s *Server) dispatch(b []byte, addr net.Addr) {
	var dg datagram
	dg.setBytes(b)

	key := addr.String()
	c, ok := s.conns[key]

	if op := dg.opcode(); op == opCodeRRQ || op == opCodeWRQ {
		if ok {
			c.log.debug("new request from peer, dropping %s transfer of %s", c.state, c.filename)
			s.stats.aborted.Add(1)
			s.remove(c, stateAborted)
		}
		s.admit(&dg, addr)
		return
	}

	if !ok {
		s.log.Trace().Str("peer", key).Msgf("dropping %s from unknown peer", dg.opcode())
		return
	}

	done, err := c.handle(&dg, s.now())
	switch {
	case err != nil:
		s.abort(c, err)
	case done:
		s.complete(c)
	}
}

// admit decodes, resolves and negotiates a new request and starts the
// transfer, or answers with an ERROR.
func (s *Server) admit(dg *datagram, addr net.Addr) {
	id := uuid.NewString()
	log := newLogger(s.log, addr.String()).with("xfer", id)

	req, err := dg.request()
	if err != nil {
		s.reject(addr, log, err)
		return
	}
	log.debug("received %s", dg)

	mode, ok := parseMode(req.mode)
	if !ok {
		s.reject(addr, log, &tftpError{code: ErrCodeIllegalOperation, msg: "Unknown mode."})
		return
	}

	dir := dirRead
	if dg.opcode() == opCodeWRQ {
		dir = dirWrite
	}

	settings := loadSettings(s.store)
	if dir == dirWrite && settings.Readonly {
		s.reject(addr, log, &tftpError{code: ErrCodeAccessViolation, msg: "Server is read-only."})
		return
	}

	res, err := newResolver(settings, s.store, clientIP(addr), dir, log).resolve(req.filename)
	if err != nil {
		s.reject(addr, log, err)
		return
	}

	neg, err := negotiate(req.options, dir, res.path, log)
	if err != nil {
		s.reject(addr, log, err)
		return
	}

	file, err := openTarget(res.path, dir)
	if err != nil {
		s.reject(addr, log, err)
		return
	}

	now := s.now()
	c := newConn(connConfig{
		id:        id,
		remote:    addr,
		netConn:   s.netConn,
		stats:     &s.stats,
		log:       log,
		res:       res,
		direction: dir,
		mode:      mode,
		file:      file,
		neg:       neg,
		window:    settings.Windowsize,
	}, now)
	s.conns[addr.String()] = c
	s.stats.started.Add(1)
	s.stats.active.Add(1)
	log.info("%s %s (requested %q)", dir, res.path, req.filename)

	if err := c.start(now); err != nil {
		s.abort(c, err)
	}
}

// reject answers a request that could not be admitted.
func (s *Server) reject(addr net.Addr, log *logger, err error) {
	code, msg := errorCodeOf(err)
	log.info("rejecting request: %v", err)

	var tx datagram
	tx.writeError(code, msg)
	if _, err := s.netConn.WriteTo(tx.bytes(), addr); err != nil {
		log.debug("sending ERROR: %v", err)
		return
	}
	s.stats.bytesSent.Add(uint64(tx.offset))
}

// sweep runs the retransmission timers of every transfer.
func (s *Server) sweep(now time.Time) {
	if len(s.conns) == 0 {
		return
	}
	settings := loadSettings(s.store)

	keys := make([]string, 0, len(s.conns))
	for k := range s.conns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		c, ok := s.conns[k]
		if !ok {
			continue
		}
		if err := c.expire(now, settings); err != nil {
			s.abort(c, err)
		}
	}
}

// complete finishes a successful transfer and consumes its alias-once entry.
func (s *Server) complete(c *conn) {
	if c.aliasOnce != "" {
		if err := s.store.Delete(c.aliasOnce); err != nil {
			c.log.err("removing alias %s: %v", c.aliasOnce, err)
		} else {
			c.log.debug("consumed alias %s", c.aliasOnce)
		}
	}
	c.log.info("%s of %s complete", c.direction, c.filename)
	s.stats.completed.Add(1)
	s.remove(c, stateDone)
}

// abort tears a transfer down, telling the peer unless it gave up first.
func (s *Server) abort(c *conn, err error) {
	var re *errRemoteError
	if errors.As(err, &re) {
		c.log.info("transfer aborted by peer: %v", err)
	} else {
		code, msg := errorCodeOf(err)
		c.log.info("aborting transfer: %v", err)
		c.sendError(code, msg)
	}
	s.stats.aborted.Add(1)
	s.remove(c, stateAborted)
}

func (s *Server) remove(c *conn, state connState) {
	c.state = state
	c.close()
	delete(s.conns, c.remote.String())
	s.stats.active.Add(-1)
}

// shutdown drops every transfer after Serve stops.
func (s *Server) shutdown() {
	for _, c := range s.conns {
		c.log.debug("server closing, dropping %s transfer of %s", c.state, c.filename)
		s.stats.aborted.Add(1)
		s.remove(c, stateAborted)
	}

	s.mu.Lock()
	if err := s.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug().Err(err).Msg("closing network")
	}
	s.mu.Unlock()
}

// openTarget opens the resolved file for the transfer.
func openTarget(path string, dir direction) (*os.File, error) {
	var (
		f   *os.File
		err error
	)
	if dir == dirRead {
		f, err = os.Open(path)
	} else {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	}
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, newTFTPError(ErrCodeFileNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return nil, newTFTPError(ErrCodeAccessViolation, err)
	case dir == dirWrite:
		return nil, newTFTPError(ErrCodeDiskFull, err)
	default:
		return nil, newTFTPError(ErrCodeAccessViolation, err)
	}
}

// clientIP is the textual IP of addr, used for alias scopes and client
// directories.
func clientIP(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
