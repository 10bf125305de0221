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
	"io/fs"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

var _ Transport = &SerialClient{}
var serialRe = regexp.MustCompile(`^(?:rs232|serial)://(.+):([0-9]+)$`)

//DefaultReadTimeout is how long a single serial read may block
const DefaultReadTimeout = 100 * time.Millisecond

/*Opener opens a serial device.  serial.Open satisfies it, as does the emulated
registry in package emuserial*/
type Opener func(path string, mode *serial.Mode) (serial.Port, error)

/*SerialClient wraps around a serial port*/
type SerialClient struct {
	ctx         context.Context
	cancel      context.CancelFunc
	readTimeout time.Duration
	opener      Opener
	mode        *serial.Mode
	dev         string

	mux  sync.Mutex
	conn serial.Port
}

/*NewSerialClient returns an unopened serial client in 8N1 mode.  Dial should be
in the form of "serial://<device>:<baud>".  A baud of 0 leaves the rate at the
driver's default*/
func NewSerialClient(ctx context.Context, opts TransportOptions, dial string) (*SerialClient, error) {
	if !serialRe.MatchString(dial) {
		return nil, newErr(false, false, &ConnectError{Addr: dial, Err: errors.New("dial string not in correct form")})
	}
	matches := serialRe.FindAllStringSubmatch(dial, -1) //capture groups used
	i, _ := strconv.ParseInt(matches[0][2], 10, 64)
	nctx, cancel := context.WithCancel(ctx)

	sc := &SerialClient{
		ctx:         nctx,
		cancel:      cancel,
		readTimeout: opts.ReadTimeout,
		opener:      opts.Opener,
		mode: &serial.Mode{
			BaudRate: int(i),
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		dev: matches[0][1],
	}
	if sc.opener == nil {
		sc.opener = serial.Open
	}
	if sc.readTimeout <= 0 {
		sc.readTimeout = DefaultReadTimeout
	}
	return sc, nil
}

/*String conforms to the fmt.Stringer interface*/
func (sc *SerialClient) String() string {
	return fmt.Sprintf("serial connection to %v:%d 8N1", sc.dev, sc.mode.BaudRate)
}

/*Open forcibly closes any previously open port (ignoring errors) and attempts
to open the device again.  Missing or busy devices are reported as temporary,
bad parameters and permission problems are not*/
func (sc *SerialClient) Open() error {
	select {
	case <-sc.ctx.Done():
		return newErr(false, false, &ConnectError{Addr: sc.dev, Err: sc.ctx.Err()})
	default:
	}
	sc.mux.Lock()
	defer sc.mux.Unlock()
	if sc.conn != nil {
		sc.conn.Close()
		sc.conn = nil
	}
	mode := *sc.mode
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	conn, err := sc.opener(sc.dev, &mode)
	if err != nil {
		return newErr(false, !serialFatal(err), &ConnectError{Addr: sc.dev, Err: err})
	}
	if err := conn.SetReadTimeout(sc.readTimeout); err != nil {
		conn.Close()
		return newErr(false, false, &ConnectError{Addr: sc.dev, Err: errors.Wrap(err, "unable to set read timeout")})
	}
	sc.conn = conn
	return nil
}

/*serialFatal reports whether an open error can never be cured by trying again*/
func serialFatal(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PermissionDenied, serial.InvalidSerialPort, serial.InvalidSpeed,
			serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
			return true
		}
	}
	return false
}

func (sc *SerialClient) port() serial.Port {
	sc.mux.Lock()
	defer sc.mux.Unlock()
	return sc.conn
}

/*Read conforms to io.Reader, but immediately returns upon ctx destruction
after closing the underlying transport.  A read that times out returns 0 bytes
and a nil error*/
func (sc *SerialClient) Read(b []byte) (int, error) {
	select {
	case <-sc.ctx.Done():
		defer sc.Close()
		return 0, newErr(false, false, sc.ctx.Err())
	default:
	}
	conn := sc.port()
	if conn == nil {
		return 0, newErr(false, true, errors.New("broken connection"))
	}
	n, e := conn.Read(b)
	if e != nil { //timeouts come back as (0, nil), so this is a device gone away
		return n, newErr(false, true, e)
	}
	return n, nil
}

/*Write conforms to io.Writer, but immediately returns upon ctx destruction
after closing the underlying transport*/
func (sc *SerialClient) Write(b []byte) (int, error) {
	select {
	case <-sc.ctx.Done():
		defer sc.Close()
		return 0, newErr(false, false, &WriteError{Addr: sc.dev, Err: sc.ctx.Err()})
	default:
	}
	conn := sc.port()
	if conn == nil {
		return 0, newErr(false, true, &WriteError{Addr: sc.dev, Err: ErrNotConnected})
	}
	n, e := conn.Write(b)
	switch e {
	case nil:
		return n, nil
	case io.EOF: //most likely as a timeout??
		return n, newErr(true, true, &WriteError{Addr: sc.dev, Err: e})
	default:
		return n, newErr(false, true, &WriteError{Addr: sc.dev, Err: e})
	}
}

/*Close conforms to io.Closer.  The client may be Opened again afterwards as
long as its context is alive*/
func (sc *SerialClient) Close() error {
	sc.mux.Lock()
	defer sc.mux.Unlock()
	defer func() { sc.conn = nil }()
	if sc.conn != nil {
		return newErr(false, false, sc.conn.Close())
	}
	return nil
}

/*Drain blocks until everything written has been transmitted*/
func (sc *SerialClient) Drain() error {
	conn := sc.port()
	if conn == nil {
		return newErr(false, true, ErrNotConnected)
	}
	return conn.Drain()
}
