/*
MIT License

Copyright (c) 2015-2018 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package cncgate

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Package level errors.  Errors returned by this package wrap one of these, so
// callers should test with errors.Is (or errors.Cause) rather than equality.
var (
	//ErrConnect is wrapped by every failure to open a transport
	ErrConnect = errors.New("unable to connect")
	//ErrWrite is wrapped by every failure to write to an established link
	ErrWrite = errors.New("unable to write")
	//ErrNotConnected is returned when writing to a link that has no live transport
	ErrNotConnected = errors.New("link not connected")
	//ErrNotFound is returned when a message addresses an unknown machine
	ErrNotFound = errors.New("machine not found")
	//ErrTimeout is returned when a reply does not arrive in time
	ErrTimeout = errors.New("timed out waiting for reply")
	//ErrDisconnected is returned to a request whose link dropped before it was answered
	ErrDisconnected = errors.New("link dropped before reply")
	//ErrProtocol marks a malformed or unexpected inbound frame
	ErrProtocol = errors.New("protocol error")
	//ErrBytesArgs is returned by Command.Bytes when the prototype was fed the wrong arguments
	ErrBytesArgs = errors.New("command prototype fed wrong arguments")
	//ErrBytesFormat is returned by Command.Bytes when the rendered command fails its CommandRegexp
	ErrBytesFormat = errors.New("rendered command does not match its format")
)

var _ net.Error = &netErr{}

/*netErr is the error handed out by transports.  It conforms to net.Error so
callers can treat serial, tcp and websocket failures alike*/
type netErr struct {
	timeout, temporary bool
	err                error
}

func newErr(timeout, temporary bool, err error) error {
	if err == nil {
		return nil
	}
	return &netErr{timeout: timeout, temporary: temporary, err: err}
}

func (e *netErr) Error() string   { return e.err.Error() }
func (e *netErr) Timeout() bool   { return e.timeout }
func (e *netErr) Temporary() bool { return e.temporary }
func (e *netErr) Unwrap() error   { return e.err }
func (e *netErr) Cause() error    { return e.err }

/*IsTimeout returns true if err (or anything it wraps) reports itself as a
timeout.  It panics on a nil error, as asking a nil error anything is a bug*/
func IsTimeout(err error) bool {
	if err == nil {
		panic("IsTimeout called with a nil error")
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}

/*IsTemporary returns true if err (or anything it wraps) reports itself as
temporary.  It panics on a nil error*/
func IsTemporary(err error) bool {
	if err == nil {
		panic("IsTemporary called with a nil error")
	}
	type temporary interface{ Temporary() bool }
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

/*ConnectError is returned when a transport could not be opened.  It matches
ErrConnect under errors.Is and unwraps to the underlying cause*/
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

//Is lets errors.Is(err, ErrConnect) succeed
func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

/*WriteError is returned when a write on an established link fails.  The link
is not necessarily torn down by it*/
type WriteError struct {
	Addr string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("unable to write to %s: %v", e.Addr, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

//Is lets errors.Is(err, ErrWrite) succeed
func (e *WriteError) Is(target error) bool { return target == ErrWrite }
