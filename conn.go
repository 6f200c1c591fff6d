// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

type connState int

const (
	stateNegotiating connState = iota // OACK sent, waiting for the peer to take it
	stateTransferring
	stateDone
	stateAborted
)

func (s connState) String() string {
	switch s {
	case stateNegotiating:
		return "negotiating"
	case stateTransferring:
		return "transferring"
	case stateDone:
		return "done"
	case stateAborted:
		return "aborted"
	}
	return fmt.Sprintf("UNKNOWN_STATE_%d", int(s))
}

const (
	// sequence numbers more than this far ahead of the reference are
	// taken to belong to the previous wrap
	seqAhead = 32000
	seqSpan  = 1 << 16
)

// extendBlock maps a 16 bit wire block number onto the extended sequence
// space near ref. The result lies in (ref-33536, ref+32000].
func extendBlock(ref int64, block uint16) int64 {
	m := ref % seqSpan
	if m < 0 {
		m += seqSpan
	}
	seq := ref - m + int64(block)
	switch {
	case seq > ref+seqAhead:
		seq -= seqSpan
	case seq <= ref+seqAhead-seqSpan:
		seq += seqSpan
	}
	return seq
}

// conn is one transfer between the server and a remote endpoint.
//
// Sequence numbers are extended to 64 bits; only the low 16 bits travel on
// the wire. For reads unack is the oldest block not yet acknowledged, for
// both directions lastsent is the newest block (DATA or ACK) sent.
type conn struct {
	log     *logger
	id      string
	remote  net.Addr
	netConn net.PacketConn
	stats   *counters

	filename  string
	direction direction
	mode      TransferMode
	file      *os.File
	aliasOnce string // store key erased on completion

	blksize int
	tsize   int64
	window  int

	unack    int64
	lastsent int64
	done     bool
	state    connState

	sendOACK bool
	oack     options

	times       *sendTimes
	timeouts    int
	rttSum      time.Duration
	rttSamples  int
	multiplier  int
	ignoreBelow int64

	lastReceived time.Time

	tx    datagram
	block []byte // file read buffer, blksize long
}

// connConfig carries what admission learned about a request.
type connConfig struct {
	id        string
	remote    net.Addr
	netConn   net.PacketConn
	stats     *counters
	log       *logger
	res       resolution
	direction direction
	mode      TransferMode
	file      *os.File
	neg       negotiated
	window    int
}

func newConn(cfg connConfig, now time.Time) *conn {
	c := &conn{
		log:          cfg.log,
		id:           cfg.id,
		remote:       cfg.remote,
		netConn:      cfg.netConn,
		stats:        cfg.stats,
		filename:     cfg.res.path,
		direction:    cfg.direction,
		mode:         cfg.mode,
		file:         cfg.file,
		aliasOnce:    cfg.res.aliasOnce,
		blksize:      cfg.neg.blksize,
		tsize:        cfg.neg.tsize,
		window:       cfg.window,
		oack:         cfg.neg.oack,
		sendOACK:     len(cfg.neg.oack) > 0,
		times:        newSendTimes(cfg.window + 1),
		multiplier:   1,
		ignoreBelow:  -1,
		lastReceived: now,
	}
	if c.direction == dirRead {
		c.block = make([]byte, c.blksize)
	}
	return c
}

// start sends the first datagram of the transfer.
func (c *conn) start(now time.Time) error {
	c.log.debug("starting %s of %s (mode %s, blksize %d, window %d)", c.direction, c.filename, c.mode, c.blksize, c.window)

	if c.sendOACK {
		c.state = stateNegotiating
		// the OACK stands in for block 0
		c.unack, c.lastsent = 1, 0
		if c.direction == dirWrite {
			c.unack = 0
		}
		return c.sendOptionAck(now)
	}

	c.state = stateTransferring
	if c.direction == dirRead {
		c.unack, c.lastsent = 1, 0
		return c.fill(now)
	}
	c.lastsent = -1
	return c.sendAck(false, now)
}

// handle consumes one datagram from the peer. It reports whether the
// transfer is complete; an error means the transfer must be aborted.
func (c *conn) handle(dg *datagram, now time.Time) (bool, error) {
	if err := dg.validate(); err != nil {
		return false, newTFTPError(ErrCodeIllegalOperation, wrapError(err, "validating datagram"))
	}
	c.lastReceived = now
	c.stats.bytesReceived.Add(uint64(dg.offset))
	c.log.trace("received %s", dg)

	switch op := dg.opcode(); {
	case op == opCodeERROR:
		return false, &errRemoteError{dg: dg.String()}
	case op == opCodeACK && c.direction == dirRead:
		return c.handleAck(dg.block(), now)
	case op == opCodeDATA && c.direction == dirWrite:
		return c.handleData(dg.data(), dg.block(), now)
	default:
		return false, newTFTPError(ErrCodeIllegalOperation, &errUnexpectedDatagram{dg: dg.String()})
	}
}

func (c *conn) handleAck(block uint16, now time.Time) (bool, error) {
	seq := extendBlock(c.unack, block)

	switch {
	case c.sendOACK && seq == 0:
		c.log.trace("OACK acknowledged")
		c.sendOACK = false
		c.state = stateTransferring
		c.timeouts = 0
		return false, c.fill(now)
	case seq == c.unack-1:
		c.log.trace("duplicate ACK %d", seq)
		return false, nil
	case seq >= c.unack && seq <= c.lastsent:
		c.sampleRTT(seq, now)
		c.timeouts = 0
		if c.done && seq == c.lastsent {
			c.unack = seq + 1
			return true, nil
		}
		c.unack = seq + 1
		return false, c.fill(now)
	default:
		c.log.debug("ignoring ACK %d outside window [%d, %d]", seq, c.unack, c.lastsent)
		return false, nil
	}
}

func (c *conn) handleData(payload []byte, block uint16, now time.Time) (bool, error) {
	seq := extendBlock(c.lastsent, block)
	if seq != c.lastsent+1 {
		c.log.trace("ignoring DATA %d, expecting %d", seq, c.lastsent+1)
		return false, nil
	}
	if len(payload) > c.blksize {
		return false, newTFTPError(ErrCodeIllegalOperation, fmt.Errorf("block %d carries %d bytes, blksize is %d", seq, len(payload), c.blksize))
	}

	if c.sendOACK {
		c.sendOACK = false
		c.state = stateTransferring
	}
	if _, err := c.file.Write(payload); err != nil {
		return false, newTFTPError(ErrCodeDiskFull, wrapError(err, "writing "+c.filename))
	}
	c.sampleRTT(c.lastsent, now)
	c.timeouts = 0
	if len(payload) < c.blksize {
		c.done = true
	}

	if err := c.sendAck(false, now); err != nil {
		return false, err
	}
	return c.done, nil
}

// fill sends new blocks until the window is full or the file is exhausted.
func (c *conn) fill(now time.Time) error {
	for !c.done && c.lastsent-c.unack < int64(c.window)-1 {
		if err := c.sendData(false, now); err != nil {
			return err
		}
	}
	return nil
}

// sendData sends the next block, or with resend every outstanding block.
func (c *conn) sendData(resend bool, now time.Time) error {
	first, last := c.lastsent+1, c.lastsent+1
	if resend {
		first, last = c.unack, c.lastsent
	}

	for seq := first; seq <= last; seq++ {
		n, err := c.file.ReadAt(c.block, (seq-1)*int64(c.blksize))
		if err != nil && !errors.Is(err, io.EOF) {
			return &tftpError{code: ErrCodeNotDefined, msg: "error reading file", err: wrapError(err, "reading "+c.filename)}
		}
		if n < c.blksize {
			c.done = true
		}
		if !resend {
			c.lastsent = seq
		}
		c.tx.writeData(uint16(seq), c.block[:n])
		c.writeToNet()
		c.times.set(seq, now)
	}
	return nil
}

// sendAck acknowledges the next block, or with resend repeats the last ACK.
func (c *conn) sendAck(resend bool, now time.Time) error {
	if !resend {
		c.lastsent++
	}
	c.tx.writeAck(uint16(c.lastsent))
	c.writeToNet()
	c.times.set(c.lastsent, now)
	return nil
}

// sendOptionAck sends the negotiated options, timed as block 0.
func (c *conn) sendOptionAck(now time.Time) error {
	c.tx.writeOptionAck(c.oack)
	c.writeToNet()
	c.times.set(0, now)
	return nil
}

// sendError sends ERROR datagram to remote host
func (c *conn) sendError(code ErrorCode, msg string) {
	c.log.debug("sending error %s: %s", code, msg)
	c.tx.writeError(code, msg)
	c.writeToNet()
}

// writeToNet writes tx to netConn. Send failures are logged only; the
// retransmission timer recovers from a lost datagram either way.
func (c *conn) writeToNet() {
	c.log.trace("sending %s", c.tx)
	n, err := c.netConn.WriteTo(c.tx.bytes(), c.remote)
	if err != nil {
		c.log.debug("sending %s: %v", c.tx.opcode(), err)
		return
	}
	c.stats.bytesSent.Add(uint64(n))
}

// close releases the file. A write that did not complete leaves its
// partial file behind.
func (c *conn) close() {
	if c.file == nil {
		return
	}
	errorDefer(c.file.Close, c.log, "closing "+c.filename)
	c.file = nil
}

func errorDefer(fn func() error, log *logger, msg string) {
	if err := fn(); err != nil {
		log.debug(msg+": %v", err)
	}
}
