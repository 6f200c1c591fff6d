// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"errors"
	"fmt"
)

var (
	// ErrServerClosed is returned by Serve and ListenAndServe after Close.
	ErrServerClosed = errors.New("tftp: server closed")

	errMalformedRequest = errors.New("malformed request")
	errMalformedOption  = errors.New("malformed option")
	errShortDatagram    = errors.New("datagram too short")
)

// errUnexpectedDatagram is returned when a datagram is not valid for the
// direction or state of a transfer.
type errUnexpectedDatagram struct {
	dg string
}

func (e *errUnexpectedDatagram) Error() string {
	return fmt.Sprintf("unexpected datagram: %s", e.dg)
}

// errRemoteError is returned when the peer sends an ERROR datagram.
type errRemoteError struct {
	dg string
}

func (e *errRemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.dg)
}

// errParsingOption is returned when an option value is rejected.
type errParsingOption struct {
	option string
	value  string
}

func (e *errParsingOption) Error() string {
	return fmt.Sprintf("error parsing option %q with value %q", e.option, e.value)
}

// tftpError carries the ERROR packet that should be sent to the peer.
type tftpError struct {
	code ErrorCode
	msg  string
	err  error
}

func (e *tftpError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message(), e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message())
}

func (e *tftpError) Unwrap() error { return e.err }

// message returns the text for the ERROR packet, falling back to the
// standard wording of the code.
func (e *tftpError) message() string {
	if e.msg != "" {
		return e.msg
	}
	return e.code.message()
}

func newTFTPError(code ErrorCode, err error) *tftpError {
	return &tftpError{code: code, err: err}
}

// errorCodeOf reports the wire code carried by err, or ErrCodeNotDefined.
func errorCodeOf(err error) (ErrorCode, string) {
	var te *tftpError
	if errors.As(err, &te) {
		return te.code, te.message()
	}
	var pe *errParsingOption
	if errors.As(err, &pe) || errors.Is(err, errMalformedOption) {
		return ErrCodeOptionRefused, err.Error()
	}
	if errors.Is(err, errMalformedRequest) || errors.Is(err, errShortDatagram) {
		return ErrCodeIllegalOperation, ErrCodeIllegalOperation.message()
	}
	return ErrCodeNotDefined, err.Error()
}

// wrapError prefixes err with desc, keeping the chain intact.
func wrapError(err error, desc string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", desc, err)
}
