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
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

/*
Arbiter provides command and control over one machine link.  It writes a
rendered Command out on the wire and then collects what the machine sends back
until the Command's Response or Error pattern matches, the Command times out,
or the link drops.

Only one Control may be in flight per Arbiter: concurrent callers queue on a
mutex, so a reply can never be handed to the wrong request.  The Arbiter does
not read from the link itself; whoever owns the link's events hands incoming
bytes over through Feed, and reports a dropped link through Abort.  Bytes
that arrive while nothing is waiting are refused by Feed and remain the
owner's to deal with.
*/
type Arbiter struct {
	w    io.Writer
	name string

	ctl sync.Mutex //only one request in flight

	mux  sync.Mutex
	slot *slot
}

/*slot is the single-resolution response slot of the request in flight*/
type slot struct {
	cmd      Command
	rcvd     bytes.Buffer
	done     chan cr
	resolved bool
}

/*cr is used to pass the outcome of a request to Control*/
type cr struct {
	b []byte
	e error
}

/*NewArbiter returns an Arbiter writing to w, which is usually a Supervisor*/
func NewArbiter(name string, w io.Writer) *Arbiter {
	return &Arbiter{name: name, w: w}
}

/*String conforms to fmt.Stringer*/
func (a *Arbiter) String() string {
	return fmt.Sprintf("Arbiter over %s", a.name)
}

/*Control forms a byte slice out of cmd and args, writes it out, and blocks
until the reply matches cmd.Response or cmd.Error, cmd.Timeout elapses, the
link drops or ctx is done.  The returned Response is populated as described in
the Response docstring*/
func (a *Arbiter) Control(ctx context.Context, cmd Command, args ...interface{}) (rsp Response) {
	a.ctl.Lock()
	defer a.ctl.Unlock()
	start := time.Now()
	defer func() { rsp.Duration = time.Since(start) }()

	//Any sort of formatting error gets kicked back immediately
	rawBytes, err := cmd.Bytes(args...)
	if err != nil {
		return Response{Error: err}
	}

	//armed before writing so a quick reply cannot slip past
	s := &slot{cmd: cmd, done: make(chan cr, 1)}
	a.arm(s)
	defer a.disarm(s)

	//send off the bytes, barfing on any sort of write error
	if n, werr := a.w.Write(rawBytes); werr != nil || len(rawBytes) != n {
		if werr == nil {
			werr = io.ErrShortWrite
		}
		return Response{Error: errors.Wrapf(werr, "unable to write full message of %d bytes (wrote %d)", len(rawBytes), n)}
	}

	var expired <-chan time.Time
	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select { //block until our context is killed, we time out, or we get a response
	case <-ctx.Done():
		return Response{Error: ctx.Err(), Bytes: a.received(s)}
	case <-expired:
		err := errors.Wrapf(ErrTimeout, "%s to %s: no matching reply within %v", cmd.Name, a.name, cmd.Timeout)
		return Response{Error: newErr(true, true, err), Bytes: a.received(s)}
	case respData := <-s.done:
		return Response{Error: respData.e, Bytes: respData.b}
	}
}

/*Feed hands bytes read from the machine to the request in flight.  It returns
false, keeping nothing, when no request is waiting for them*/
func (a *Arbiter) Feed(b []byte) bool {
	a.mux.Lock()
	defer a.mux.Unlock()
	s := a.slot
	if s == nil || s.resolved {
		return false
	}
	s.rcvd.Write(b)
	raw := s.rcvd.Bytes()
	switch {
	case s.cmd.Error != nil && s.cmd.Error.Match(raw): //check for error response
		s.resolve(append([]byte(nil), raw...), errors.Errorf("%s received error response", s.cmd.Name))
	case s.cmd.Response == nil || s.cmd.Response.Match(raw): //check for normal acceptable response
		s.resolve(append([]byte(nil), raw...), nil)
	}
	return true
}

/*Abort fails the request in flight, if any, with err.  It is called when the
link drops: pending replies are abandoned, never carried over to a new
transport*/
func (a *Arbiter) Abort(err error) {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.slot != nil && !a.slot.resolved {
		a.slot.resolve(append([]byte(nil), a.slot.rcvd.Bytes()...), err)
	}
}

//Busy reports whether a request is waiting for its reply
func (a *Arbiter) Busy() bool {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.slot != nil && !a.slot.resolved
}

func (a *Arbiter) arm(s *slot) {
	a.mux.Lock()
	a.slot = s
	a.mux.Unlock()
}

func (a *Arbiter) disarm(s *slot) {
	a.mux.Lock()
	if a.slot == s {
		a.slot = nil
	}
	a.mux.Unlock()
}

func (a *Arbiter) received(s *slot) []byte {
	a.mux.Lock()
	defer a.mux.Unlock()
	return append([]byte(nil), s.rcvd.Bytes()...)
}

func (s *slot) resolve(b []byte, e error) {
	s.resolved = true
	s.done <- cr{b: b, e: e}
}
