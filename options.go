// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultBlksize = 512
	minBlksize     = 8
	maxBlksize     = 65464
)

// negotiated is the outcome of option negotiation for one request.
type negotiated struct {
	blksize int
	tsize   int64
	oack    options // options to echo; empty means no OACK
}

// negotiate applies the options of a request. path is the resolved file,
// stat'ed when a reader asks for tsize 0.
func negotiate(opts options, dir direction, path string, log *logger) (negotiated, error) {
	n := negotiated{blksize: defaultBlksize}

	for _, opt := range opts {
		switch name := strings.ToLower(opt.name); name {
		case optBlocksize:
			size, err := strconv.Atoi(opt.value)
			if err != nil || size < minBlksize || size > maxBlksize {
				return n, &errParsingOption{option: name, value: opt.value}
			}
			n.blksize = size
			n.oack = n.oack.set(name, strconv.Itoa(size))
			log.debug("blksize option enabled (%d octets)", size)
		case optTimeout:
			// Retransmission is driven by measured round trips instead.
			log.trace("ignoring timeout option %q", opt.value)
		case optTransferSize:
			tsize, err := strconv.ParseInt(opt.value, 10, 64)
			if err != nil || tsize < 0 {
				return n, &errParsingOption{option: name, value: opt.value}
			}
			if dir == dirRead && tsize == 0 {
				fi, err := os.Stat(path)
				if err != nil {
					return n, wrapError(&errParsingOption{option: name, value: opt.value}, err.Error())
				}
				tsize = fi.Size()
			}
			n.tsize = tsize
			n.oack = n.oack.set(name, strconv.FormatInt(tsize, 10))
		default:
			log.trace("skipping unknown option %q", opt.name)
		}
	}

	return n, nil
}
