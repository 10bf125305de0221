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
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var _ Transport = &NetClient{}
var netClientRe = regexp.MustCompile("^(tcp|tcp4|tcp6):\\/\\/(.*:[a-zA-Z0-9]*)$")

/*NewNetClient returns an unopened connection to a remote serial server (ser2net
and friends).  dial should be in the form of: 'tcp[46]{0,1}://<host>:<port>'

Timeout bounds the connect process.  Reads are made with a short deadline so
that a supervisor reading in a loop notices Close; such reads return an error
for which IsTimeout is true and should simply be retried:

  n, e := nc.Read(b)
  switch {
  case e == nil:
    ...
  case IsTimeout(e): //nothing arrived within the read deadline
    ...
  default: //broken socket
    ...
  }

The caller is responsible for handling errors. This pkg just propagates any
error encountered.
*/
func NewNetClient(ctx context.Context, timeout time.Duration, dial string) (*NetClient, error) {
	if !netClientRe.MatchString(dial) {
		return nil, newErr(false, false, &ConnectError{Addr: dial, Err: errors.New("dial string not in correct form")})
	}
	matches := netClientRe.FindAllStringSubmatch(dial, -1) //capture groups used
	nctx, cancel := context.WithCancel(ctx)
	nc := &NetClient{
		network:   matches[0][1],
		address:   matches[0][2],
		timeout:   timeout,
		rwtimeout: DefaultReadTimeout,
		ctx:       nctx,
		cancel:    cancel,
	}
	return nc, nil
}

/*NetClient provides an implementer of the Transport interface.  It provides
access under the following URI Regimes:
  tcp://
  tcp4://
  tcp6://
*/
type NetClient struct {
	network, address string
	cancel           context.CancelFunc
	ctx              context.Context
	rwtimeout        time.Duration
	timeout          time.Duration

	mux  sync.Mutex
	conn net.Conn
}

/*String conforms to the fmt.Stringer interface*/
func (nc *NetClient) String() string {
	return fmt.Sprintf("%v connection to %v", nc.network, nc.address)
}

/*Open forcibly disconnects (ignoring errors) the network connection and
attempts the connect process again.  It returns an error if it was unable to start*/
func (nc *NetClient) Open() error {
	select {
	case <-nc.ctx.Done():
		return newErr(false, false, &ConnectError{Addr: nc.address, Err: nc.ctx.Err()})
	default:
	}
	nc.mux.Lock()
	defer nc.mux.Unlock()
	if nc.conn != nil {
		nc.conn.Close()
		nc.conn = nil
	}
	dialer := net.Dialer{
		Timeout:   nc.timeout,
		KeepAlive: 1 * time.Second,
	}
	conn, err := dialer.DialContext(nc.ctx, nc.network, nc.address)
	if err != nil {
		//a refused or unreachable serial server may well come back
		return newErr(false, true, &ConnectError{Addr: nc.address, Err: err})
	}
	nc.conn = conn
	return nil
}

func (nc *NetClient) socket() net.Conn {
	nc.mux.Lock()
	defer nc.mux.Unlock()
	return nc.conn
}

/*Read conforms to io.Reader, but immediately returns upon ctx
destruction after closing the underlying transport*/
func (nc *NetClient) Read(b []byte) (int, error) {
	select {
	case <-nc.ctx.Done():
		defer nc.Close()
		return 0, newErr(false, false, nc.ctx.Err())
	default:
	}
	conn := nc.socket()
	if conn == nil {
		return 0, newErr(false, true, errors.New("broken connection"))
	}
	if nc.rwtimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(nc.rwtimeout))
	}
	n, err := conn.Read(b) //conn returns errors that conform to net.Error
	if err != nil {
		var ne net.Error
		timeout := errors.As(err, &ne) && ne.Timeout()
		return n, newErr(timeout, true, err)
	}
	return n, nil
}

/*Write conforms to io.Writer, but immediately returns upon ctx
destruction after closing the underlying transport*/
func (nc *NetClient) Write(b []byte) (int, error) {
	select {
	case <-nc.ctx.Done():
		defer nc.Close()
		return 0, newErr(false, false, &WriteError{Addr: nc.address, Err: nc.ctx.Err()})
	default:
	}
	conn := nc.socket()
	if conn == nil {
		return 0, newErr(false, true, &WriteError{Addr: nc.address, Err: ErrNotConnected})
	}
	if nc.timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(nc.timeout))
	}
	n, err := conn.Write(b)
	if err != nil {
		var ne net.Error
		timeout := errors.As(err, &ne) && ne.Timeout()
		return n, newErr(timeout, true, &WriteError{Addr: nc.address, Err: err})
	}
	return n, nil
}

/*Close conforms to io.Closer.  Unlike SerialClient, a closed NetClient
cannot be reopened: its context is canceled*/
func (nc *NetClient) Close() error {
	nc.cancel()
	nc.mux.Lock()
	defer nc.mux.Unlock()
	defer func() { nc.conn = nil }()
	if nc.conn != nil {
		return nc.conn.Close()
	}
	return nil
}
