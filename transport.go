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
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

/*Transport is the capability set the gateway needs from any link, be it a
serial port, a serial server reached over tcp, or the cloud websocket.  A
Transport should be able to tell others in some human readable string form
what it actually is (fmt.Stringer), read and write byte slices
(io.ReadWriter), and be Opened and Closed.  A Transport never retries on its
own: when it fails, the error is handed to the owning Supervisor which decides
what to do next.

Any error returned by Open wraps ErrConnect, and any error returned by
Write wraps ErrWrite.  Both conform to net.Error.*/
type Transport interface {
	fmt.Stringer
	io.ReadWriter
	io.Closer
	Open() error
}

/*MessageReader is implemented by transports that are framed by message
rather than by byte stream.  When present, the Supervisor reads whole
messages instead of chunks*/
type MessageReader interface {
	ReadMessage() ([]byte, error)
}

/*TransportOptions tune how machine transports are created*/
type TransportOptions struct {
	//Timeout bounds the connect process of network transports
	Timeout time.Duration

	//ReadTimeout bounds every single serial read so close is noticed; zero uses DefaultReadTimeout
	ReadTimeout time.Duration

	//Opener opens serial devices; nil uses serial.Open
	Opener Opener
}

var known = map[*regexp.Regexp]func(context.Context, MachineConfig, TransportOptions) (Transport, error){
	netClientRe: func(ctx context.Context, m MachineConfig, o TransportOptions) (Transport, error) {
		return NewNetClient(ctx, o.Timeout, m.Path)
	},
	serialRe: func(ctx context.Context, m MachineConfig, o TransportOptions) (Transport, error) {
		return NewSerialClient(ctx, o, m.Path)
	},
}

/*NewMachineTransport returns an unopened Transport for the machine.  The
machine path is matched against the known dial formats; anything that does not
look like a dial string is taken to be a serial device path opened at the
machine's baud rate*/
func NewMachineTransport(ctx context.Context, m MachineConfig, opts TransportOptions) (Transport, error) {
	for re, funcptr := range known {
		if re.MatchString(m.Path) {
			return funcptr(ctx, m, opts)
		}
	}
	return NewSerialClient(ctx, opts, fmt.Sprintf("serial://%s:%d", m.Path, m.BaudRate))
}
