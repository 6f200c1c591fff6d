// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"path/filepath"
	"time"

	"github.com/wlach/wvtftpd/config"
)

// Configuration keys read from the store.
const (
	keyPort            = "TFTP/Port"
	keyBaseDir         = "TFTP/Base dir"
	keyStripPrefix     = "TFTP/Strip prefix"
	keyReadonly        = "TFTP/Readonly"
	keyPrefetch        = "TFTP/Prefetch"
	keyMinTimeout      = "TFTP/Min timeout"
	keyMaxTimeout      = "TFTP/Max timeout"
	keyMaxTimeouts     = "TFTP/Max timeouts"
	keyTotalTimeout    = "TFTP/Total timeout seconds"
	keyDefaultFile     = "TFTP/Default file"
	keyClientDir       = "TFTP/Client Directory"
	keyCreateClientDir = "TFTP/Create Client Directory"
	keyOverwrite       = "TFTP/Overwrite"
	keyAliases         = "TFTP/Aliases"
	keyAliasOnce       = "TFTP/Alias Once"
)

const (
	defaultPort        = 69
	defaultBaseDir     = "/tftpboot"
	defaultWindowsize  = 3
	defaultMinTimeout  = 100 * time.Millisecond
	defaultMaxTimeout  = 5 * time.Second
	defaultMaxTimeouts = 10
)

// Settings is a read-only snapshot of the store, taken when a request is
// admitted and at every retransmission sweep.
type Settings struct {
	BaseDir         string
	StripPrefix     string
	Readonly        bool
	Windowsize      int
	MinTimeout      time.Duration
	MaxTimeout      time.Duration
	MaxTimeouts     int
	TotalTimeout    time.Duration // zero disables
	DefaultFile     string
	ClientDir       bool
	CreateClientDir bool
	Overwrite       bool
}

func loadSettings(s config.Store) Settings {
	st := Settings{
		BaseDir:         filepath.Clean(config.String(s, keyBaseDir, defaultBaseDir)),
		StripPrefix:     config.String(s, keyStripPrefix, ""),
		Readonly:        config.Bool(s, keyReadonly, true),
		Windowsize:      config.Int(s, keyPrefetch, defaultWindowsize),
		MinTimeout:      time.Duration(config.Int(s, keyMinTimeout, int(defaultMinTimeout/time.Millisecond))) * time.Millisecond,
		MaxTimeout:      time.Duration(config.Int(s, keyMaxTimeout, int(defaultMaxTimeout/time.Millisecond))) * time.Millisecond,
		MaxTimeouts:     config.Int(s, keyMaxTimeouts, defaultMaxTimeouts),
		TotalTimeout:    time.Duration(config.Int(s, keyTotalTimeout, 0)) * time.Second,
		DefaultFile:     config.String(s, keyDefaultFile, ""),
		ClientDir:       config.Bool(s, keyClientDir, false),
		CreateClientDir: config.Bool(s, keyCreateClientDir, false),
		Overwrite:       config.Bool(s, keyOverwrite, false),
	}
	if st.Windowsize < 1 {
		st.Windowsize = 1
	}
	if st.MaxTimeouts < 1 {
		st.MaxTimeouts = 1
	}
	return st
}
