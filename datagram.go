// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

type opcode uint16

func (o opcode) String() string {
	name, ok := opcodeStrings[o]
	if ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_OPCODE_%v", uint16(o))
}

// ErrorCode is a TFTP error code as defined in RFC 1350
type ErrorCode uint16

func (e ErrorCode) String() string {
	name, ok := errorStrings[e]
	if ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR_%v", uint16(e))
}

// message is the default text sent with an ERROR datagram.
func (e ErrorCode) message() string {
	if msg, ok := errorMessages[e]; ok {
		return msg
	}
	return ""
}

const (
	opCodeRRQ   opcode = 0x1 // Read Request
	opCodeWRQ   opcode = 0x2 // Write Request
	opCodeDATA  opcode = 0x3 // Data
	opCodeACK   opcode = 0x4 // Acknowledgement
	opCodeERROR opcode = 0x5 // Error
	opCodeOACK  opcode = 0x6 // Option Acknowledgement

	// ErrCodeNotDefined - Not defined, see error message (if any).
	ErrCodeNotDefined ErrorCode = 0x0
	// ErrCodeFileNotFound - File not found.
	ErrCodeFileNotFound ErrorCode = 0x1
	// ErrCodeAccessViolation - Access violation.
	ErrCodeAccessViolation ErrorCode = 0x2
	// ErrCodeDiskFull - Disk full or allocation exceeded.
	ErrCodeDiskFull ErrorCode = 0x3
	// ErrCodeIllegalOperation - Illegal TFTP operation.
	ErrCodeIllegalOperation ErrorCode = 0x4
	// ErrCodeUnknownTransferID - Unknown transfer ID.
	ErrCodeUnknownTransferID ErrorCode = 0x5
	// ErrCodeFileAlreadyExists - File already exists.
	ErrCodeFileAlreadyExists ErrorCode = 0x6
	// ErrCodeNoSuchUser - No such user.
	ErrCodeNoSuchUser ErrorCode = 0x7
	// ErrCodeOptionRefused - Option negotiation refused (RFC 2347).
	ErrCodeOptionRefused ErrorCode = 0x8

	// ModeNetASCII is the string for netascii transfer mode
	ModeNetASCII TransferMode = "netascii"
	// ModeOctet is the string for octet/binary transfer mode
	ModeOctet TransferMode = "octet"
	// ModeMail is the string for the obsolete mail transfer mode
	ModeMail TransferMode = "mail"

	optBlocksize    = "blksize"
	optTransferSize = "tsize"
	optTimeout      = "timeout"

	sizeofOpcode  = 2 // Size of a opcode in bytes
	sizeofErrcode = 2 // Size of an error code in bytes
	sizeofBlock   = 2 // Size of a block number in bytes
	sizeofHdr     = sizeofOpcode + sizeofBlock
	sizeofErrHdr  = sizeofOpcode + sizeofErrcode

	// largest datagram the server will read
	maxPacketSize = 65535
)

// TransferMode is a TFTP transer mode
type TransferMode string

// parseMode matches a mode string from the wire, ignoring case.
func parseMode(s string) (TransferMode, bool) {
	switch m := TransferMode(strings.ToLower(s)); m {
	case ModeNetASCII, ModeOctet, ModeMail:
		return m, true
	default:
		return "", false
	}
}

var (
	errorStrings = map[ErrorCode]string{
		ErrCodeNotDefined:        "NOT_DEFINED",
		ErrCodeFileNotFound:      "FILE_NOT_FOUND",
		ErrCodeAccessViolation:   "ACCESS_VIOLATION",
		ErrCodeDiskFull:          "DISK_FULL",
		ErrCodeIllegalOperation:  "ILLEGAL_OPERATION",
		ErrCodeUnknownTransferID: "UNKNOWN_TRANSFER_ID",
		ErrCodeFileAlreadyExists: "FILE_ALREADY_EXISTS",
		ErrCodeNoSuchUser:        "NO_SUCH_USER",
		ErrCodeOptionRefused:     "OPTION_REFUSED",
	}
	errorMessages = map[ErrorCode]string{
		ErrCodeFileNotFound:      "File not found.",
		ErrCodeAccessViolation:   "Access violation.",
		ErrCodeDiskFull:          "Disk full or allocation exceeded.",
		ErrCodeIllegalOperation:  "Illegal TFTP operation.",
		ErrCodeUnknownTransferID: "Unknown transfer ID.",
		ErrCodeFileAlreadyExists: "File already exists.",
		ErrCodeNoSuchUser:        "No such user.",
		ErrCodeOptionRefused:     "Option negotiation refused.",
	}
	opcodeStrings = map[opcode]string{
		opCodeRRQ:   "READ_REQUEST",
		opCodeWRQ:   "WRITE_REQUEST",
		opCodeDATA:  "DATA",
		opCodeACK:   "ACK",
		opCodeERROR: "ERROR",
		opCodeOACK:  "OPTION_ACK",
	}
)

type datagram struct {
	buf    []byte
	offset int
}

func (d datagram) String() string {
	if err := d.validate(); err != nil {
		return fmt.Sprintf("INVALID_DATAGRAM[Error: %q]", err.Error())
	}

	switch o := d.opcode(); o {
	case opCodeRRQ, opCodeWRQ:
		req, _ := d.request()
		return fmt.Sprintf("%s[Filename: %q; Mode: %q; Options: %s]", o, req.filename, req.mode, req.options)
	case opCodeDATA:
		return fmt.Sprintf("%s[Block: %d; Length: %d]", o, d.block(), len(d.data()))
	case opCodeOACK:
		opts, _ := parseOptionList(d.buf[sizeofOpcode:d.offset])
		return fmt.Sprintf("%s[Options: %s]", o, opts)
	case opCodeACK:
		return fmt.Sprintf("%s[Block: %d]", o, d.block())
	case opCodeERROR:
		return fmt.Sprintf("%s[Code: %s; Message: %q]", o, d.errorCode(), d.errMsg())
	default:
		return o.String()
	}
}

// Sets the buffer from raw bytes
func (d *datagram) setBytes(b []byte) {
	d.buf = b
	d.offset = len(b)
}

// Returns the allocated bytes
func (d *datagram) bytes() []byte {
	return d.buf[:d.offset]
}

// Resets the byte buffer.
// If requested size is larger than allocated the buffer is reallocated.
func (d *datagram) reset(size int) {
	if len(d.buf) < size {
		d.buf = make([]byte, size)
	}
	d.offset = 0
}

// DATAGRAM CONSTRUCTORS

// Write an ack packet
func (d *datagram) writeAck(block uint16) {
	d.reset(sizeofHdr)

	d.writeUint16(uint16(opCodeACK))
	d.writeUint16(block)
}

// Write a data packet (block)
func (d *datagram) writeData(block uint16, data []byte) {
	d.reset(sizeofHdr + len(data))

	d.writeUint16(uint16(opCodeDATA))
	d.writeUint16(block)
	d.writeBytes(data)
}

func (d *datagram) writeError(code ErrorCode, msg string) {
	if msg == "" {
		msg = code.message()
	}
	d.reset(sizeofErrHdr + len(msg) + 1)

	d.writeUint16(uint16(opCodeERROR))
	d.writeUint16(uint16(code))
	d.writeString(msg)
	d.writeNull()
}

func (d *datagram) writeOptionAck(opts options) {
	d.reset(sizeofOpcode + opts.size())

	d.writeUint16(uint16(opCodeOACK))
	for _, o := range opts {
		d.writeOption(o)
	}
}

func (d *datagram) writeReadReq(filename string, mode TransferMode, opts options) {
	d.writeReq(opCodeRRQ, filename, mode, opts)
}

func (d *datagram) writeWriteReq(filename string, mode TransferMode, opts options) {
	d.writeReq(opCodeWRQ, filename, mode, opts)
}

// Combines duplicate logic from RRQ and WRQ
func (d *datagram) writeReq(o opcode, filename string, mode TransferMode, opts options) {
	d.reset(sizeofOpcode + len(filename) + 1 + len(mode) + 1 + opts.size())

	d.writeUint16(uint16(o))
	d.writeString(filename)
	d.writeNull()
	d.writeString(string(mode))
	d.writeNull()

	for _, opt := range opts {
		d.writeOption(opt)
	}
}

// FIELD ACCESSORS

// Block # from DATA and ACK datagrams
func (d *datagram) block() uint16 {
	return binary.BigEndian.Uint16(d.buf[sizeofOpcode:sizeofHdr])
}

// Data from DATA datagram
func (d *datagram) data() []byte {
	return d.buf[sizeofHdr:d.offset]
}

// ErrorCode from ERROR datagram
func (d *datagram) errorCode() ErrorCode {
	return ErrorCode(binary.BigEndian.Uint16(d.buf[sizeofOpcode:sizeofErrHdr]))
}

// ErrMsg from ERROR datagram. A missing terminator yields the rest of the
// datagram.
func (d *datagram) errMsg() string {
	msg := d.buf[sizeofErrHdr:d.offset]
	if i := bytes.IndexByte(msg, 0x0); i >= 0 {
		msg = msg[:i]
	}
	return string(msg)
}

// Opcode from all datagrams
func (d *datagram) opcode() opcode {
	if d.offset < sizeofOpcode {
		return 0
	}
	return opcode(binary.BigEndian.Uint16(d.buf[:sizeofOpcode]))
}

// request holds the decoded body of an RRQ or WRQ.
type request struct {
	filename string
	mode     string
	options  options
}

// request decodes filename, mode and options from RRQ and WRQ datagrams.
//
// Exactly two terminated strings must precede the option list.
func (d *datagram) request() (request, error) {
	var req request
	body := d.buf[sizeofOpcode:d.offset]

	filename, rest, err := readString(body)
	if err != nil {
		return req, wrapError(errMalformedRequest, "reading filename")
	}
	mode, rest, err := readString(rest)
	if err != nil {
		return req, wrapError(errMalformedRequest, "reading mode")
	}
	if filename == "" {
		return req, wrapError(errMalformedRequest, "empty filename")
	}
	req.filename = filename
	req.mode = mode

	opts, err := parseOptionList(rest)
	if err != nil {
		return req, err
	}
	req.options = opts
	return req, nil
}

type option struct {
	name  string
	value string
}

type options []option

func (o options) String() string {
	opts := make([]string, 0, len(o))
	for _, opt := range o {
		opts = append(opts, fmt.Sprintf("%q: %q", opt.name, opt.value))
	}

	return "{" + strings.Join(opts, "; ") + "}"
}

// set replaces the value of name, appending it when absent.
func (o options) set(name, value string) options {
	for i := range o {
		if o[i].name == name {
			o[i].value = value
			return o
		}
	}
	return append(o, option{name: name, value: value})
}

// size is the encoded length of the option list.
func (o options) size() int {
	n := 0
	for _, opt := range o {
		n += len(opt.name) + len(opt.value) + 2
	}
	return n
}

// parseOptionList reads name\0value\0 pairs until b is exhausted.
// A name or value without its terminator is errMalformedOption.
func parseOptionList(b []byte) (options, error) {
	var opts options
	for len(b) > 0 {
		name, rest, err := readString(b)
		if err != nil {
			return opts, wrapError(errMalformedOption, "reading option name")
		}
		value, rest, err := readString(rest)
		if err != nil {
			return opts, wrapError(errMalformedOption, fmt.Sprintf("reading value of option %q", name))
		}
		opts = append(opts, option{name: name, value: value})
		b = rest
	}
	return opts, nil
}

// readString returns the bytes of b up to the first NUL and what follows it.
// It never looks past len(b).
func readString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0x0)
	if i < 0 {
		return "", b, errors.New("missing NUL terminator")
	}
	return string(b[:i]), b[i+1:], nil
}

// BUFFER WRITING FUNCTIONS

// Write bytes
func (d *datagram) writeBytes(b []byte) {
	copy(d.buf[d.offset:], b)
	d.offset += len(b)
}

// Write null byte
func (d *datagram) writeNull() {
	d.buf[d.offset] = 0x0
	d.offset++
}

func (d *datagram) writeString(str string) {
	d.offset += copy(d.buf[d.offset:], str)
}

// Write uint16 using bigendian
func (d *datagram) writeUint16(i uint16) {
	binary.BigEndian.PutUint16(d.buf[d.offset:], i)
	d.offset += 2
}

// Write a single name/value option
func (d *datagram) writeOption(o option) {
	d.writeString(o.name)
	d.writeNull()
	d.writeString(o.value)
	d.writeNull()
}

// Validate header
func (d *datagram) validate() error {
	switch {
	case d.offset < sizeofOpcode:
		return errShortDatagram
	case d.opcode() < opCodeRRQ || d.opcode() > opCodeOACK:
		return errors.New("invalid opcode")
	}

	switch d.opcode() {
	case opCodeRRQ, opCodeWRQ:
		if _, err := d.request(); err != nil {
			return err
		}
	case opCodeDATA, opCodeACK:
		if d.offset < sizeofHdr {
			return errors.New("corrupt block number")
		}
	case opCodeERROR:
		switch {
		case d.offset < sizeofErrHdr+1:
			return errors.New("corrupt ERROR datagram")
		case d.buf[d.offset-1] != 0x0:
			return errors.New("corrupt ERROR datagram")
		}
	case opCodeOACK:
		if _, err := parseOptionList(d.buf[sizeofOpcode:d.offset]); err != nil {
			return err
		}
	}

	return nil
}
