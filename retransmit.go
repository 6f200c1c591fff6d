// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"time"
)

const (
	// timeout used until a round trip has been measured
	fallbackTimeout = 1000 * time.Millisecond
	// every shrinkEvery consecutive timeouts the window loses a block
	shrinkEvery = 5
)

// sendTimes records when each block was last sent. It covers a sliding
// range of extended sequence numbers; setting a block past the end slides
// the range forward and forgets the oldest entries.
type sendTimes struct {
	base  int64 // lowest sequence number covered
	times []time.Time
}

func newSendTimes(capacity int) *sendTimes {
	if capacity < 1 {
		capacity = 1
	}
	return &sendTimes{times: make([]time.Time, capacity)}
}

func (s *sendTimes) slot(seq int64) int {
	n := int64(len(s.times))
	i := seq % n
	if i < 0 {
		i += n
	}
	return int(i)
}

func (s *sendTimes) set(seq int64, t time.Time) {
	n := int64(len(s.times))
	if seq < s.base {
		return
	}
	if seq >= s.base+n {
		newBase := seq - n + 1
		for q := s.base; q < newBase && q < s.base+n; q++ {
			s.times[s.slot(q)] = time.Time{}
		}
		s.base = newBase
	}
	s.times[s.slot(seq)] = t
}

func (s *sendTimes) get(seq int64) (time.Time, bool) {
	if seq < s.base || seq >= s.base+int64(len(s.times)) {
		return time.Time{}, false
	}
	t := s.times[s.slot(seq)]
	return t, !t.IsZero()
}

// averageRTT is zero until a sample has been taken.
func (c *conn) averageRTT() time.Duration {
	if c.rttSamples == 0 {
		return 0
	}
	return c.rttSum / time.Duration(c.rttSamples)
}

// rto is the retransmission timeout: the squared multiplier times the mean
// round trip, kept between min and max.
func (c *conn) rto(min, max time.Duration) time.Duration {
	t := fallbackTimeout
	if c.rttSamples > 0 {
		t = time.Duration(c.multiplier*c.multiplier) * c.averageRTT()
		if t < min {
			t = min
		}
	}
	if max > 0 && t > max {
		t = max
	}
	return t
}

// sampleRTT measures the round trip of seq. Blocks that were retransmitted
// are skipped so the retransmission delay does not inflate the mean.
func (c *conn) sampleRTT(seq int64, now time.Time) {
	if seq <= c.ignoreBelow {
		return
	}
	sent, ok := c.times.get(seq)
	if !ok {
		return
	}
	c.rttSum += now.Sub(sent)
	c.rttSamples++
	c.log.trace("rtt sample for block %d: %s (mean %s)", seq, now.Sub(sent), c.averageRTT())
}

// expectedBlock is the block whose answer the connection is waiting for.
func (c *conn) expectedBlock() int64 {
	if c.direction == dirWrite || c.sendOACK {
		return c.lastsent
	}
	return c.unack
}

// expire is run once per tick. It aborts connections that have been idle
// for too long and retransmits when the expected answer is overdue.
func (c *conn) expire(now time.Time, st Settings) error {
	if st.TotalTimeout > 0 && now.Sub(c.lastReceived) > st.TotalTimeout {
		return &tftpError{code: ErrCodeNotDefined, msg: "operation timed out"}
	}

	sent, ok := c.times.get(c.expectedBlock())
	if !ok {
		return nil
	}
	timeout := c.rto(st.MinTimeout, st.MaxTimeout)
	if now.Sub(sent) <= timeout {
		return nil
	}

	c.timeouts++
	c.log.debug("timeout %d/%d waiting on block %d after %s", c.timeouts, st.MaxTimeouts, c.expectedBlock(), timeout)
	if c.timeouts >= st.MaxTimeouts {
		return &tftpError{code: ErrCodeNotDefined, msg: "too many timeouts"}
	}

	// without a measured round trip there is nothing to project from
	next := c.multiplier + 1
	if c.rttSamples > 0 && time.Duration(next*next)*c.averageRTT() < st.MaxTimeout {
		c.multiplier = next
	}
	if c.timeouts%shrinkEvery == 0 && c.window > 1 {
		c.window--
		c.log.debug("shrinking window to %d", c.window)
	}

	c.stats.retransmissions.Add(1)
	if err := c.resend(now); err != nil {
		return err
	}
	c.ignoreBelow = c.lastsent
	return nil
}

// resend repeats whatever the peer has not answered yet.
func (c *conn) resend(now time.Time) error {
	switch {
	case c.sendOACK:
		return c.sendOptionAck(now)
	case c.direction == dirRead:
		return c.sendData(true, now)
	default:
		return c.sendAck(true, now)
	}
}
