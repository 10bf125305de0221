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

package emuserial

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var _ serial.Port = &Port{}

//ErrClosed is returned by operations on a closed port
var ErrClosed = errors.New("emulated port closed")

/*Port is one emulated serial port.  It behaves like a real binding: Read
returns whatever is buffered right away and otherwise waits for data, the read
timeout, or the port closing*/
type Port struct {
	reg     *Registry
	path    string
	sock    string
	ln      net.Listener
	details *enumerator.PortDetails

	wake   chan struct{} //new data
	closed chan struct{}

	mux         sync.Mutex
	rx          []byte
	peers       map[net.Conn]struct{}
	mode        serial.Mode
	dtr, rts    bool
	readTimeout time.Duration
	err         error //why the port closed
}

func newPort(r *Registry, path, sock string, ln net.Listener, mode *serial.Mode) *Port {
	p := &Port{
		reg:         r,
		path:        path,
		sock:        sock,
		ln:          ln,
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
		peers:       map[net.Conn]struct{}{},
		readTimeout: serial.NoTimeout,
	}
	if mode != nil {
		p.mode = *mode
	}
	if p.mode.BaudRate == 0 {
		p.mode.BaudRate = 9600
	}
	return p
}

//Path is the name the port was opened under
func (p *Port) Path() string { return p.path }

func (p *Port) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mux.Lock()
		if p.err != nil {
			p.mux.Unlock()
			c.Close()
			return
		}
		p.peers[c] = struct{}{}
		p.mux.Unlock()
		go p.receive(c)
	}
}

func (p *Port) receive(c net.Conn) {
	defer func() {
		p.mux.Lock()
		delete(p.peers, c)
		p.mux.Unlock()
		c.Close()
	}()
	buf := make([]byte, 1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			p.mux.Lock()
			p.rx = append(p.rx, buf[:n]...)
			p.mux.Unlock()
			select {
			case p.wake <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

/*Read copies buffered bytes into b.  With nothing buffered it waits for data;
if the read timeout elapses first it returns 0 and a nil error*/
func (p *Port) Read(b []byte) (int, error) {
	p.mux.Lock()
	timeout := p.readTimeout
	p.mux.Unlock()
	var expired <-chan time.Time
	if timeout != serial.NoTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		p.mux.Lock()
		if p.err != nil {
			err := p.err
			p.mux.Unlock()
			return 0, err
		}
		if len(p.rx) > 0 {
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mux.Unlock()
			return n, nil
		}
		p.mux.Unlock()
		select {
		case <-p.wake:
		case <-p.closed:
		case <-expired:
			return 0, nil
		}
	}
}

/*Write broadcasts b to every attached peer.  With no peer attached the bytes
are lost, as on a real line with nothing at the other end*/
func (p *Port) Write(b []byte) (int, error) {
	p.mux.Lock()
	if p.err != nil {
		err := p.err
		p.mux.Unlock()
		return 0, err
	}
	peers := make([]net.Conn, 0, len(p.peers))
	for c := range p.peers {
		peers = append(peers, c)
	}
	p.mux.Unlock()
	for _, c := range peers {
		if _, err := c.Write(b); err != nil {
			c.Close()
		}
	}
	return len(b), nil
}

//SetMode updates the port settings
func (p *Port) SetMode(mode *serial.Mode) error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if mode != nil {
		p.mode = *mode
	}
	if p.mode.BaudRate == 0 {
		p.mode.BaudRate = 9600
	}
	return nil
}

//BaudRate in effect
func (p *Port) BaudRate() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.mode.BaudRate
}

//SetDTR records the DTR flag
func (p *Port) SetDTR(dtr bool) error {
	p.mux.Lock()
	p.dtr = dtr
	p.mux.Unlock()
	return nil
}

//SetRTS records the RTS flag
func (p *Port) SetRTS(rts bool) error {
	p.mux.Lock()
	p.rts = rts
	p.mux.Unlock()
	return nil
}

/*GetModemStatusBits reports the control lines: clear to send is always set,
data carrier detect is set while at least one peer is attached*/
func (p *Port) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &serial.ModemStatusBits{
		CTS: true,
		DSR: false,
		RI:  false,
		DCD: len(p.peers) > 0,
	}, nil
}

//Peers returns the number of attached peers
func (p *Port) Peers() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return len(p.peers)
}

//ResetInputBuffer drops everything received but not read
func (p *Port) ResetInputBuffer() error {
	p.mux.Lock()
	p.rx = nil
	p.mux.Unlock()
	return nil
}

//ResetOutputBuffer has nothing to drop: writes go out immediately
func (p *Port) ResetOutputBuffer() error { return nil }

//Drain returns at once, every write has already been handed to the peers
func (p *Port) Drain() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.err
}

//SetReadTimeout sets the timeout of Read; serial.NoTimeout waits forever
func (p *Port) SetReadTimeout(t time.Duration) error {
	if t < 0 && t != serial.NoTimeout {
		return errors.Errorf("invalid read timeout %v", t)
	}
	p.mux.Lock()
	p.readTimeout = t
	p.mux.Unlock()
	return nil
}

//Break is accepted and ignored
func (p *Port) Break(time.Duration) error { return nil }

/*Close stops the pipe, detaches every peer and wakes any pending Read*/
func (p *Port) Close() error {
	if !p.shutdown(ErrClosed) {
		return ErrClosed
	}
	p.reg.release(p)
	return nil
}

//shutdown closes the port with err, reporting false if it was closed already
func (p *Port) shutdown(err error) bool {
	p.mux.Lock()
	if p.err != nil {
		p.mux.Unlock()
		return false
	}
	p.err = err
	close(p.closed)
	peers := p.peers
	p.peers = map[net.Conn]struct{}{}
	p.mux.Unlock()

	p.ln.Close()
	for c := range peers {
		c.Close()
	}
	os.Remove(p.sock)
	return true
}
