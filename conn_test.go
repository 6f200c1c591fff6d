// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendBlock(t *testing.T) {
	cases := []struct {
		ref   int64
		block uint16
		want  int64
	}{
		{ref: 1, block: 0, want: 0},
		{ref: 1, block: 1, want: 1},
		{ref: 1, block: 3, want: 3},
		{ref: -1, block: 0, want: 0},
		{ref: -1, block: 65535, want: -1},
		{ref: 65535, block: 0, want: 65536},
		{ref: 65536, block: 65535, want: 65535},
		{ref: 65536, block: 2, want: 65538},
		{ref: 200000, block: uint16(200000 % 65536), want: 200000},
		{ref: 200000, block: uint16(199990 % 65536), want: 199990},
		{ref: 200000, block: uint16(200010 % 65536), want: 200010},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, extendBlock(c.ref, c.block), "ref %d block %d", c.ref, c.block)
	}
}

func TestExtendBlockRange(t *testing.T) {
	for _, ref := range []int64{-1, 0, 1, 32000, 33536, 65535, 65536, 100000, 1 << 40} {
		for w := 0; w < 1<<16; w += 97 {
			got := extendBlock(ref, uint16(w))
			require.Equal(t, uint16(w), uint16(got), "low bits, ref %d", ref)
			require.Greater(t, got, ref-33536, "ref %d block %d", ref, w)
			require.LessOrEqual(t, got, ref+32000, "ref %d block %d", ref, w)
		}
	}
}

func TestSendTimes(t *testing.T) {
	t0 := time.Unix(100, 0)
	st := newSendTimes(4)

	_, ok := st.get(0)
	assert.False(t, ok)

	for seq := int64(0); seq < 4; seq++ {
		st.set(seq, t0.Add(time.Duration(seq)*time.Second))
	}
	for seq := int64(0); seq < 4; seq++ {
		got, ok := st.get(seq)
		require.True(t, ok)
		assert.Equal(t, t0.Add(time.Duration(seq)*time.Second), got)
	}

	// sliding forward forgets the oldest entries
	st.set(5, t0)
	_, ok = st.get(0)
	assert.False(t, ok)
	_, ok = st.get(1)
	assert.False(t, ok)
	_, ok = st.get(4)
	assert.False(t, ok, "skipped slot must not keep a stale time")
	got, ok := st.get(3)
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Second), got)

	// far jumps clear everything
	st.set(1000, t0)
	for seq := int64(997); seq < 1000; seq++ {
		_, ok := st.get(seq)
		assert.False(t, ok)
	}

	// too old is ignored
	st.set(3, t0)
	_, ok = st.get(3)
	assert.False(t, ok)
}

func TestRTO(t *testing.T) {
	const min, max = 100 * time.Millisecond, 5 * time.Second

	c := &conn{multiplier: 1}
	assert.Equal(t, fallbackTimeout, c.rto(min, max))
	assert.Equal(t, 500*time.Millisecond, c.rto(min, 500*time.Millisecond))

	c.rttSum, c.rttSamples = 400*time.Millisecond, 2
	assert.Equal(t, 200*time.Millisecond, c.rto(min, max))

	c.multiplier = 3
	assert.Equal(t, 1800*time.Millisecond, c.rto(min, max))

	c.multiplier = 10
	assert.Equal(t, max, c.rto(min, max), "capped at the maximum")

	c.multiplier = 1
	c.rttSum = 10 * time.Millisecond
	assert.Equal(t, min, c.rto(min, max))
}

func newTestConn(dir direction) (*conn, *packetRecorder) {
	pc := &packetRecorder{}
	c := newConn(connConfig{
		remote:    pc.LocalAddr(),
		netConn:   pc,
		stats:     &counters{},
		log:       testLogger(),
		direction: dir,
		neg:       negotiated{blksize: defaultBlksize},
		window:    defaultWindowsize,
	}, time.Unix(0, 0))
	return c, pc
}

func TestExpireMultiplierCap(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c, pc := newTestConn(dirWrite)
	c.lastsent = -1
	require.NoError(t, c.sendAck(false, t0))
	pc.sent = nil

	c.rttSum, c.rttSamples = 2*time.Second, 1
	settings := Settings{
		MinTimeout:  100 * time.Millisecond,
		MaxTimeout:  5 * time.Second,
		MaxTimeouts: 10,
	}

	require.NoError(t, c.expire(t0.Add(2*time.Second), settings))
	assert.Empty(t, pc.sent, "not yet expired")

	require.NoError(t, c.expire(t0.Add(2001*time.Millisecond), settings))
	require.Len(t, pc.sent, 1)
	assert.Equal(t, opCodeACK, pc.sent[0].opcode())
	assert.Equal(t, uint16(0), pc.sent[0].block())
	assert.Equal(t, 1, c.timeouts)
	assert.Equal(t, 1, c.multiplier, "4 x 2s exceeds the maximum")

	c.rttSum = time.Second
	require.NoError(t, c.expire(t0.Add(10*time.Second), settings))
	assert.Equal(t, 2, c.multiplier)
}

func TestExpireIgnoresIdleConn(t *testing.T) {
	c, pc := newTestConn(dirRead)
	c.unack, c.lastsent = 1, 0

	// nothing outstanding has a send time
	require.NoError(t, c.expire(time.Unix(3600, 0), Settings{MaxTimeouts: 1}))
	assert.Empty(t, pc.sent)
	assert.Zero(t, c.timeouts)
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "negotiating", stateNegotiating.String())
	assert.Equal(t, "done", stateDone.String())
	assert.Equal(t, "UNKNOWN_STATE_9", connState(9).String())
}
