// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import "sync/atomic"

// Stats is a point-in-time copy of the server counters.
type Stats struct {
	TransfersStarted   uint64
	TransfersCompleted uint64
	TransfersAborted   uint64
	Retransmissions    uint64
	BytesSent          uint64 // datagram bytes, headers included
	BytesReceived      uint64
	Active             int // transfers in progress
}

// counters are written by the serving goroutine and read by Stats.
type counters struct {
	started         atomic.Uint64
	completed       atomic.Uint64
	aborted         atomic.Uint64
	retransmissions atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	active          atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		TransfersStarted:   c.started.Load(),
		TransfersCompleted: c.completed.Load(),
		TransfersAborted:   c.aborted.Load(),
		Retransmissions:    c.retransmissions.Load(),
		BytesSent:          c.bytesSent.Load(),
		BytesReceived:      c.bytesReceived.Load(),
		Active:             int(c.active.Load()),
	}
}
