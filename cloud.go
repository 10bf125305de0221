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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//NoticeKind discriminates a Notice
type NoticeKind int

const (
	//NoticeOpen fires every time the cloud link opens
	NoticeOpen NoticeKind = iota
	//NoticeBound fires once the bind frame went out on a fresh link
	NoticeBound
	//NoticeClose fires when the cloud link drops; pending requests are forgotten
	NoticeClose
	//NoticeRequest carries a validated request for a known machine
	NoticeRequest
	//NoticeDisconnect is terminal: the cloud link was given up on
	NoticeDisconnect
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeOpen:
		return "open"
	case NoticeBound:
		return "bound"
	case NoticeClose:
		return "close"
	case NoticeRequest:
		return "request"
	case NoticeDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("notice(%d)", int(k))
}

/*Notice is a notification from a Session to its owner*/
type Notice struct {
	Kind    NoticeKind
	Request Request
	Err     error
}

/*SessionConfig parameterizes the cloud Session*/
type SessionConfig struct {
	WS WSConfig

	//Version is announced in the bind frame
	Version string

	//Delay, MaxAttempts, Multiplier and MaxDelay as in RegistryOptions
	Delay       time.Duration
	MaxAttempts int
	Multiplier  float64
	MaxDelay    time.Duration

	//Dial overrides NewWSClient, mostly for tests
	Dial DialFunc

	Metrics *Metrics
}

type pending struct {
	req   Request
	since time.Time
}

/*Session is the gateway's side of the cloud protocol.  It keeps the cloud
link supervised, turns inbound frames into Requests for known machines, and
frames responses back.  Every request in flight is held in a pending table by
correlation id until it is answered exactly once; the table is emptied when
the link drops, as responses cannot outlive the connection they belong to*/
type Session struct {
	cfg     SessionConfig
	sup     *Supervisor
	known   func(machine string) bool
	log     *logrus.Entry
	metrics *Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	notices chan Notice
	done    chan struct{}

	mux     sync.Mutex
	pending map[string]pending
}

/*NewSession starts connecting to the cloud.  known decides which machine ids
are accepted*/
func NewSession(ctx context.Context, cfg SessionConfig, known func(machine string) bool, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context) (Transport, error) {
			return NewWSClient(ctx, cfg.WS)
		}
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:     cfg,
		known:   known,
		log:     log.WithField("url", cfg.WS.URL),
		metrics: cfg.Metrics,
		ctx:     sctx,
		cancel:  cancel,
		notices: make(chan Notice, 64),
		done:    make(chan struct{}),
		pending: map[string]pending{},
	}
	s.sup = NewSupervisor(sctx, SupervisorConfig{
		Name:        "cloud",
		Delay:       cfg.Delay,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     reconnectPolicy(cfg.Delay, cfg.Multiplier, cfg.MaxDelay),
		Metrics:     cfg.Metrics,
	}, dial, log.WithField("url", cfg.WS.URL))
	go s.run()
	return s
}

/*Notices is closed once the session has stopped, after NoticeDisconnect if
the link was given up on*/
func (s *Session) Notices() <-chan Notice { return s.notices }

//State of the cloud link
func (s *Session) State() State { return s.sup.State() }

//Attempts at reconnecting the cloud link since it was last open
func (s *Session) Attempts() int { return s.sup.Attempts() }

//Pending returns the number of requests awaiting a response
func (s *Session) Pending() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.pending)
}

func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.notices)
	for ev := range s.sup.Events() {
		switch ev.Kind {
		case EventOpen:
			s.notify(Notice{Kind: NoticeOpen})
			if err := s.Bind(); err != nil {
				s.log.WithError(err).Error("unable to bind")
				continue
			}
			s.notify(Notice{Kind: NoticeBound})
		case EventData:
			s.handle(ev.Data)
		case EventClose:
			s.forget()
			s.notify(Notice{Kind: NoticeClose, Err: ev.Err})
		case EventError:
		case EventDisconnect:
			s.forget()
			s.notify(Notice{Kind: NoticeDisconnect, Err: ev.Err})
		}
	}
}

func (s *Session) handle(msg []byte) {
	event, req, err := decodeFrame(msg)
	if err != nil {
		s.log.WithError(err).Error("dropping frame")
		return
	}
	s.metrics.frame("in", event)
	if req == nil {
		s.log.WithField("event", event).Debug("ignoring frame")
		return
	}
	log := s.log.WithFields(logrus.Fields{"event": req.Event, "_id": req.ID, "machine": req.Machine})
	if !s.known(req.Machine) {
		log.Error("received instruction for unknown machine")
		return
	}
	s.mux.Lock()
	if _, dup := s.pending[req.ID]; dup {
		s.mux.Unlock()
		log.Error("dropping request reusing an outstanding _id")
		return
	}
	s.pending[req.ID] = pending{req: *req, since: time.Now()}
	s.mux.Unlock()
	log.Info("received instruction")
	s.notify(Notice{Kind: NoticeRequest, Request: *req})
}

//forget drops every pending request
func (s *Session) forget() {
	s.mux.Lock()
	n := len(s.pending)
	s.pending = map[string]pending{}
	s.mux.Unlock()
	if n > 0 {
		s.log.WithField("pending", n).Warn("cloud link lost with requests in flight")
	}
}

//resolve takes the pending request id out of the table, exactly once
func (s *Session) resolve(id, event string) (Request, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return Request{}, errors.Errorf("no pending request %q (answered already, or its link was lost)", id)
	}
	if p.req.Event != event {
		return Request{}, errors.Errorf("pending request %q is a %s, not a %s", id, p.req.Event, event)
	}
	delete(s.pending, id)
	return p.req, nil
}

func (s *Session) send(event string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "unable to encode %s frame", event)
	}
	if _, err := s.sup.Write(b); err != nil {
		return err
	}
	s.metrics.frame("out", event)
	return nil
}

/*Bind announces the controller and its version on the current link*/
func (s *Session) Bind() error {
	return s.send(EventBind, bindFrame{Event: EventBind, ID: s.cfg.WS.ControllerID, Version: s.cfg.Version})
}

/*RespondCommand answers the pending command id with the machine's reply*/
func (s *Session) RespondCommand(id, response string) error {
	req, err := s.resolve(id, EventCommand)
	if err != nil {
		return err
	}
	return s.send(EventResponseCommand, commandResponse{
		ID:       req.wireID(),
		Event:    EventResponseCommand,
		Machine:  req.Machine,
		Response: response,
	})
}

/*RespondExecute answers the pending execute id*/
func (s *Session) RespondExecute(id string, success bool) error {
	req, err := s.resolve(id, EventExecute)
	if err != nil {
		return err
	}
	return s.send(EventResponseExecute, executeResponse{
		ID:      req.wireID(),
		Event:   EventResponseExecute,
		Machine: req.Machine,
		Success: success,
	})
}

/*Output forwards data a machine sent on its own accord*/
func (s *Session) Output(machine string, payload []byte) error {
	return s.send(EventOutput, outputFrame{Event: EventOutput, Machine: machine, Payload: string(payload)})
}

/*Close stops the session and its link*/
func (s *Session) Close() error {
	s.cancel()
	err := s.sup.Close()
	<-s.done
	return err
}

/*Drop forgets the pending request id without answering it*/
func (s *Session) Drop(id string) {
	s.mux.Lock()
	delete(s.pending, id)
	s.mux.Unlock()
}
