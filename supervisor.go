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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

//Unlimited as SupervisorConfig.MaxAttempts keeps a link reconnecting forever
const Unlimited = -1

//State is the state of a supervised link
type State int

const (
	//Idle is the state before the first open attempt
	Idle State = iota
	//Connecting means a fresh transport is being opened
	Connecting
	//Open means the transport is live
	Open
	//Reconnecting means the link is waiting out the delay before the next attempt
	Reconnecting
	//Disconnected is terminal: the supervisor has given up
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

//EventKind discriminates an Event
type EventKind int

const (
	//EventOpen fires every time a fresh transport opens
	EventOpen EventKind = iota
	//EventClose fires when an open transport is lost; Err carries the reason if any
	EventClose
	//EventData carries bytes (or one message) read from the transport
	EventData
	//EventError reports a failed connect attempt
	EventError
	//EventDisconnect is terminal and fires exactly once
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

/*Event is a notification from a Supervisor to its owner.  Only the fields
relevant to Kind are populated*/
type Event struct {
	Kind    EventKind
	Data    []byte
	Err     error
	Attempt int  //attempt count when the event was raised
	Fatal   bool //for EventDisconnect: gave up on a non-retriable error rather than exhausting attempts
}

/*DialFunc returns a brand new, unopened Transport.  It is called once per
connect attempt; transports are never reused across attempts*/
type DialFunc func(ctx context.Context) (Transport, error)

/*SupervisorConfig parameterizes a Supervisor*/
type SupervisorConfig struct {
	//Name identifies the link in logs and metrics
	Name string

	//Delay is waited out before every reconnection attempt
	Delay time.Duration

	//MaxAttempts is the number of reconnection attempts before giving up, or Unlimited
	MaxAttempts int

	//Backoff overrides Delay when set; it is Reset on every successful open
	Backoff backoff.BackOff

	//Retriable classifies errors; nil means IsTemporary.  Non-retriable errors end the link
	Retriable func(error) bool

	//ReadSize is the chunk size of stream reads, 4096 if zero
	ReadSize int

	//Metrics, when set, tracks state and reconnects under Name
	Metrics *Metrics
}

/*Supervisor keeps one link alive: it opens a transport produced by a DialFunc,
reads from it until it fails, and then reconnects after a delay until the
attempts run out.  Everything it sees is reported, in order, on Events().

The Supervisor is the single owner of its transport: nothing else may Read,
Open or Close it.  Writes go through Supervisor.Write.*/
type Supervisor struct {
	cfg    SupervisorConfig
	dial   DialFunc
	log    *logrus.Entry
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	wmux sync.Mutex //serializes writes

	mux       sync.Mutex
	state     State
	attempts  int
	transport Transport
}

/*NewSupervisor creates a Supervisor and immediately starts connecting.  The
link is torn down when ctx is canceled or Close is called*/
func NewSupervisor(ctx context.Context, cfg SupervisorConfig, dial DialFunc, log *logrus.Entry) *Supervisor {
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 4096
	}
	if cfg.Retriable == nil {
		cfg.Retriable = IsTemporary
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		cfg:    cfg,
		dial:   dial,
		log:    log.WithField("link", cfg.Name),
		events: make(chan Event, 64),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	cfg.Metrics.linkState(cfg.Name, Idle)
	go s.run()
	return s
}

/*Events is closed once the supervisor has stopped, after EventDisconnect if it
gave up*/
func (s *Supervisor) Events() <-chan Event { return s.events }

//Done is closed once the supervisor has stopped
func (s *Supervisor) Done() <-chan struct{} { return s.done }

//State returns the current state
func (s *Supervisor) State() State {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.state
}

//Attempts returns the number of reconnection attempts since the last successful open
func (s *Supervisor) Attempts() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.attempts
}

/*String conforms to fmt.Stringer*/
func (s *Supervisor) String() string {
	return fmt.Sprintf("%s (%v, %d attempts)", s.cfg.Name, s.State(), s.Attempts())
}

/*Write writes b to the live transport.  It fails with a WriteError wrapping
ErrNotConnected while the link is down*/
func (s *Supervisor) Write(b []byte) (int, error) {
	s.mux.Lock()
	t := s.transport
	s.mux.Unlock()
	if t == nil {
		return 0, newErr(false, true, &WriteError{Addr: s.cfg.Name, Err: ErrNotConnected})
	}
	s.wmux.Lock()
	defer s.wmux.Unlock()
	return t.Write(b)
}

/*Drain waits for written data to leave the live transport, if the transport
knows how*/
func (s *Supervisor) Drain() error {
	s.mux.Lock()
	t := s.transport
	s.mux.Unlock()
	if d, ok := t.(interface{ Drain() error }); ok {
		return d.Drain()
	}
	return nil
}

/*Close stops the supervisor and closes its live transport.  No further events
are delivered once Close returns*/
func (s *Supervisor) Close() error {
	s.cancel()
	s.mux.Lock()
	t := s.transport
	s.mux.Unlock()
	var err error
	if t != nil {
		err = t.Close()
	}
	<-s.done
	return err
}

func (s *Supervisor) setState(st State) {
	s.mux.Lock()
	s.state = st
	s.mux.Unlock()
	s.cfg.Metrics.linkState(s.cfg.Name, st)
}

//emit delivers ev unless the supervisor is being stopped
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) backoff() backoff.BackOff {
	if s.cfg.Backoff != nil {
		return s.cfg.Backoff
	}
	return backoff.NewConstantBackOff(s.cfg.Delay)
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()
	bo := s.backoff()

	for {
		s.setState(Connecting)
		t, err := s.connect()
		if err == nil {
			s.mux.Lock()
			s.attempts = 0
			s.transport = t
			s.state = Open
			s.mux.Unlock()
			if s.ctx.Err() != nil { //Close ran before the transport was stored
				s.detach(t)
				return
			}
			s.cfg.Metrics.linkState(s.cfg.Name, Open)
			bo.Reset()
			s.log.WithField("transport", t.String()).Info("link open")
			s.emit(Event{Kind: EventOpen})

			err = s.pump(t)
			s.detach(t)
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Info("link closed")
			s.emit(Event{Kind: EventClose, Err: err})
		} else {
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithError(err).WithField("attempt", s.Attempts()).Warn("unable to open link")
			s.emit(Event{Kind: EventError, Err: err, Attempt: s.Attempts()})
		}

		if err != nil && !s.cfg.Retriable(err) {
			s.terminate(err, true)
			return
		}
		if s.cfg.MaxAttempts != Unlimited && s.Attempts() >= s.cfg.MaxAttempts {
			s.terminate(err, false)
			return
		}

		s.setState(Reconnecting)
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			s.terminate(err, false)
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.mux.Lock()
		s.attempts++
		attempt := s.attempts
		s.mux.Unlock()
		s.cfg.Metrics.reconnect(s.cfg.Name)
		s.log.WithField("attempt", attempt).Debug("reconnecting")
	}
}

//connect creates and opens a fresh transport
func (s *Supervisor) connect() (Transport, error) {
	t, err := s.dial(s.ctx)
	if err != nil {
		return nil, err
	}
	if err := t.Open(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

/*detach drops t so nothing can reach it anymore, then closes it.  A writer
stuck on t is failed by the close, so the write lock is not taken*/
func (s *Supervisor) detach(t Transport) {
	s.mux.Lock()
	if s.transport == t {
		s.transport = nil
	}
	s.mux.Unlock()
	t.Close()
}

func (s *Supervisor) terminate(err error, fatal bool) {
	s.setState(Disconnected)
	s.log.WithError(err).WithField("attempts", s.Attempts()).Error("giving up on link")
	s.emit(Event{Kind: EventDisconnect, Err: err, Attempt: s.Attempts(), Fatal: fatal})
}

/*pump reads from t until it fails, forwarding everything read.  A nil return
means the supervisor is being stopped*/
func (s *Supervisor) pump(t Transport) error {
	if mr, ok := t.(MessageReader); ok {
		for {
			msg, err := mr.ReadMessage()
			if s.ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			s.emit(Event{Kind: EventData, Data: msg})
		}
	}

	buf := make([]byte, s.cfg.ReadSize)
	for {
		if s.ctx.Err() != nil {
			return nil
		}
		n, err := t.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.emit(Event{Kind: EventData, Data: data})
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if IsTimeout(err) {
				continue
			}
			return err
		}
	}
}
