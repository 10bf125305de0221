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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

/*Machines is what the Gateway needs from the machine side. *Registry
implements it*/
type Machines interface {
	Command(ctx context.Context, id, command string) (string, error)
	Execute(ctx context.Context, id, file string) (bool, error)
	BroadcastFailsafe() map[string]error
	Events() <-chan MachineEvent
}

/*Cloud is what the Gateway needs from the cloud side. *Session implements it*/
type Cloud interface {
	Notices() <-chan Notice
	RespondCommand(id, response string) error
	RespondExecute(id string, success bool) error
	Output(machine string, payload []byte) error
	Drop(id string)
}

var _ Machines = &Registry{}
var _ Cloud = &Session{}

/*GatewayOptions tune the Gateway*/
type GatewayOptions struct {
	//SerialFailsafe broadcasts the failsafe commands to the remaining machines when a machine link is given up on
	SerialFailsafe bool

	//QueueSize bounds the requests waiting per machine; 32 if zero
	QueueSize int
}

/*Gateway routes requests from the cloud to the machines they address and
what the machines say back to the cloud.  Requests for one machine are served
one at a time in the order they arrived; different machines are served
concurrently.  When the cloud link is given up on, every machine is sent its
failsafe command.*/
type Gateway struct {
	machines Machines
	cloud    Cloud
	opts     GatewayOptions
	log      *logrus.Entry

	queues    map[string]chan Request
	wg        sync.WaitGroup
	cloudLost bool
}

/*NewGateway wires machines and cloud together.  Nothing happens until Run*/
func NewGateway(machines Machines, cloud Cloud, opts GatewayOptions, log *logrus.Entry) *Gateway {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	return &Gateway{
		machines: machines,
		cloud:    cloud,
		opts:     opts,
		log:      log,
		queues:   map[string]chan Request{},
	}
}

/*Run routes until ctx is done or both sides have shut down.  Requests already
queued are finished before Run returns*/
func (g *Gateway) Run(ctx context.Context) error {
	defer g.drain()
	notices, events := g.cloud.Notices(), g.machines.Events()
	for notices != nil || events != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			g.onNotice(ctx, n)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			g.onMachine(ev)
		}
	}
	return nil
}

func (g *Gateway) onNotice(ctx context.Context, n Notice) {
	switch n.Kind {
	case NoticeOpen:
		g.cloudLost = false
		g.log.Info("connected to core")
	case NoticeBound:
		g.log.Info("bound to core")
	case NoticeClose:
		g.log.WithError(n.Err).Warn("disconnected from core")
	case NoticeRequest:
		g.enqueue(ctx, n.Request)
	case NoticeDisconnect:
		if g.cloudLost {
			return
		}
		g.cloudLost = true
		g.log.WithError(n.Err).Error("core unreachable, sending failsafe commands")
		g.failsafe()
	}
}

func (g *Gateway) onMachine(ev MachineEvent) {
	log := g.log.WithField("machine", ev.Machine)
	switch ev.Kind {
	case EventData:
		if err := g.cloud.Output(ev.Machine, ev.Data); err != nil {
			log.WithError(err).Debug("unable to forward machine output")
		}
	case EventOpen:
		log.Info("machine connected")
	case EventClose:
		log.WithError(ev.Err).Warn("machine disconnected")
	case EventError:
	case EventDisconnect:
		log.WithError(ev.Err).Error("machine given up on")
		if g.opts.SerialFailsafe {
			g.failsafe()
		}
	}
}

func (g *Gateway) failsafe() {
	for id, err := range g.machines.BroadcastFailsafe() {
		g.log.WithField("machine", id).WithError(err).Error("failsafe not delivered")
	}
}

func (g *Gateway) enqueue(ctx context.Context, req Request) {
	q, ok := g.queues[req.Machine]
	if !ok {
		q = make(chan Request, g.opts.QueueSize)
		g.queues[req.Machine] = q
		g.wg.Add(1)
		go g.work(ctx, q)
	}
	select {
	case q <- req:
	default:
		g.log.WithFields(logrus.Fields{"machine": req.Machine, "_id": req.ID}).Error("machine queue full, dropping request")
		g.cloud.Drop(req.ID)
	}
}

func (g *Gateway) drain() {
	for id, q := range g.queues {
		close(q)
		delete(g.queues, id)
	}
	g.wg.Wait()
}

func (g *Gateway) work(ctx context.Context, q <-chan Request) {
	defer g.wg.Done()
	for req := range q {
		g.serve(ctx, req)
	}
}

/*serve runs one request against its machine and answers it.  Requests for a
machine that has gone away are dropped unanswered, like any other request for
an unknown machine*/
func (g *Gateway) serve(ctx context.Context, req Request) {
	log := g.log.WithFields(logrus.Fields{"machine": req.Machine, "_id": req.ID, "event": req.Event})
	var err error
	switch req.Event {
	case EventCommand:
		reply, cerr := g.machines.Command(ctx, req.Machine, req.Payload)
		if errors.Is(cerr, ErrNotFound) {
			log.WithError(cerr).Error("dropping request")
			g.cloud.Drop(req.ID)
			return
		}
		if cerr != nil {
			log.WithError(cerr).Warn("command failed")
			reply = fmt.Sprintf("error: %v", cerr)
		}
		err = g.cloud.RespondCommand(req.ID, reply)
	case EventExecute:
		ok, xerr := g.machines.Execute(ctx, req.Machine, req.Payload)
		if errors.Is(xerr, ErrNotFound) {
			log.WithError(xerr).Error("dropping request")
			g.cloud.Drop(req.ID)
			return
		}
		if xerr != nil {
			log.WithError(xerr).Warn("execute failed")
		}
		err = g.cloud.RespondExecute(req.ID, ok)
	default:
		log.Error("unroutable request")
		g.cloud.Drop(req.ID)
		return
	}
	if err != nil {
		log.WithError(err).Warn("response not delivered")
	}
}
