// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"github.com/rs/zerolog"
)

// logger is a thin printf-style wrapper around a zerolog.Logger scoped to
// one peer.
type logger struct {
	zl zerolog.Logger
}

func newLogger(base zerolog.Logger, name string) *logger {
	return &logger{zl: base.With().Str("peer", name).Logger()}
}

// with returns a copy of l carrying an extra field.
func (l *logger) with(key, value string) *logger {
	return &logger{zl: l.zl.With().Str(key, value).Logger()}
}

func (l *logger) trace(format string, a ...interface{}) {
	l.zl.Trace().Msgf(format, a...)
}

func (l *logger) debug(format string, a ...interface{}) {
	l.zl.Debug().Msgf(format, a...)
}

func (l *logger) info(format string, a ...interface{}) {
	l.zl.Info().Msgf(format, a...)
}

func (l *logger) err(format string, a ...interface{}) {
	l.zl.Error().Msgf(format, a...)
}
