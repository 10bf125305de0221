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
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

/*MachineConfig describes one machine.  It is loaded once and never mutated*/
type MachineConfig struct {
	//ID is the stable identity the cloud addresses the machine by
	ID string `yaml:"id"`

	//Path is the serial device (or tcp:// serial server) the machine is attached to
	Path string `yaml:"path"`

	//BaudRate of the serial link, 0 when not applicable
	BaudRate int `yaml:"baud_rate"`

	//Failsafe is written verbatim to the machine when the cloud is lost for good; may be empty
	Failsafe string `yaml:"failsafe"`
}

//Validate checks the descriptor is usable
func (m MachineConfig) Validate() error {
	if m.ID == "" {
		return errors.New("machine id must not be empty")
	}
	if m.Path == "" {
		return errors.Errorf("machine %q: path must not be empty", m.ID)
	}
	if m.BaudRate < 0 {
		return errors.Errorf("machine %q: baud rate must not be negative", m.ID)
	}
	return nil
}

/*RegistryOptions tune the machine links of a Registry*/
type RegistryOptions struct {
	//Delay before each reconnection attempt
	Delay time.Duration

	//MaxAttempts at reconnecting before a machine is given up on, or Unlimited
	MaxAttempts int

	//Multiplier > 1 grows the delay exponentially up to MaxDelay
	Multiplier float64
	MaxDelay   time.Duration

	//Transport options handed to NewMachineTransport
	Transport TransportOptions

	//Commands issued for the cloud; nil uses DefaultCommands(30 * time.Second)
	Commands Commands

	//Dial overrides NewMachineTransport, mostly for tests
	Dial func(ctx context.Context, m MachineConfig) (Transport, error)

	Metrics *Metrics
}

/*reconnectPolicy builds the backoff of one link, nil meaning the plain delay*/
func reconnectPolicy(delay time.Duration, multiplier float64, maxDelay time.Duration) backoff.BackOff {
	if multiplier <= 1 {
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	bo.Multiplier = multiplier
	bo.RandomizationFactor = 0
	if maxDelay > 0 {
		bo.MaxInterval = maxDelay
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

/*MachineEvent is a link Event tagged with the machine it came from*/
type MachineEvent struct {
	Machine string
	Event
}

/*MachineStatus is a snapshot of one machine link*/
type MachineStatus struct {
	ID       string
	Path     string
	BaudRate int
	State    State
	Attempts int
	Busy     bool
}

type machineLink struct {
	config MachineConfig
	sup    *Supervisor
	arb    *Arbiter
}

/*Registry owns the configured machines and their links.  Machines are looked
up by exact id only; a machine given up on is removed for good, and anything
addressed to it afterwards fails with ErrNotFound*/
type Registry struct {
	log     *logrus.Entry
	cmds    Commands
	metrics *Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan MachineEvent
	wg      sync.WaitGroup

	mux      sync.RWMutex
	machines map[string]*machineLink
	order    []string
}

/*NewRegistry validates the machines and starts a supervised link to each of
them.  Ids must be unique*/
func NewRegistry(ctx context.Context, machines []MachineConfig, opts RegistryOptions, log *logrus.Entry) (*Registry, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	seen := map[string]bool{}
	for _, m := range machines {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if seen[m.ID] {
			return nil, errors.Errorf("machine %q configured twice", m.ID)
		}
		seen[m.ID] = true
	}
	cmds := opts.Commands
	if cmds == nil {
		cmds = DefaultCommands(30 * time.Second)
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, m MachineConfig) (Transport, error) {
			return NewMachineTransport(ctx, m, opts.Transport)
		}
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:      log,
		cmds:     cmds.Clone(),
		metrics:  opts.Metrics,
		ctx:      rctx,
		cancel:   cancel,
		events:   make(chan MachineEvent, 256),
		machines: map[string]*machineLink{},
	}
	for _, m := range machines {
		m := m
		cfg := SupervisorConfig{
			Name:        m.ID,
			Delay:       opts.Delay,
			MaxAttempts: opts.MaxAttempts,
			Backoff:     reconnectPolicy(opts.Delay, opts.Multiplier, opts.MaxDelay),
			Metrics:     opts.Metrics,
		}
		sup := NewSupervisor(rctx, cfg, func(ctx context.Context) (Transport, error) {
			return dial(ctx, m)
		}, log.WithFields(logrus.Fields{"machine": m.ID, "path": m.Path}))
		link := &machineLink{config: m, sup: sup, arb: NewArbiter(m.ID, sup)}
		r.machines[m.ID] = link
		r.order = append(r.order, m.ID)
	}
	r.mux.RLock()
	for _, id := range r.order {
		r.wg.Add(1)
		go r.watch(r.machines[id])
	}
	r.mux.RUnlock()
	go func() {
		r.wg.Wait()
		close(r.events)
	}()
	return r, nil
}

/*Events is the merged stream of every machine's link events, minus the bytes
consumed as replies.  It is closed after Close*/
func (r *Registry) Events() <-chan MachineEvent { return r.events }

func (r *Registry) watch(link *machineLink) {
	defer r.wg.Done()
	id := link.config.ID
	for ev := range link.sup.Events() {
		switch ev.Kind {
		case EventData:
			if link.arb.Feed(ev.Data) {
				continue
			}
		case EventClose:
			link.arb.Abort(newErr(false, true, errors.Wrapf(ErrDisconnected, "machine %q", id)))
		case EventDisconnect:
			r.remove(link)
			link.arb.Abort(newErr(false, false, errors.Wrapf(ErrDisconnected, "machine %q given up on", id)))
			r.log.WithField("machine", id).WithError(ev.Err).Error("removed machine")
		}
		select {
		case r.events <- MachineEvent{Machine: id, Event: ev}:
		case <-r.ctx.Done():
		}
	}
}

func (r *Registry) remove(link *machineLink) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.machines[link.config.ID] == link {
		delete(r.machines, link.config.ID)
	}
}

func (r *Registry) lookup(id string) (*machineLink, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	link, ok := r.machines[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "machine %q", id)
	}
	return link, nil
}

//Known reports whether id names an active machine
func (r *Registry) Known(id string) bool {
	_, err := r.lookup(id)
	return err == nil
}

/*Send writes payload to the machine without waiting for any reply*/
func (r *Registry) Send(id string, payload []byte) error {
	link, err := r.lookup(id)
	if err != nil {
		r.log.WithField("machine", id).Error("send to unknown machine")
		return err
	}
	r.log.WithField("machine", id).WithField("bytes", len(payload)).Debug("sending")
	_, err = link.sup.Write(payload)
	return err
}

/*Command writes a raw command to the machine and returns its reply*/
func (r *Registry) Command(ctx context.Context, id, command string) (string, error) {
	rsp, err := r.control(ctx, id, CommandRaw, command)
	if err != nil {
		return "", err
	}
	return string(rsp.Bytes), rsp.Error
}

/*Execute writes file to the machine's SD card, bracketed by M28/M29, and
reports whether the firmware confirmed a fresh file.  It returns once M29 was
acknowledged*/
func (r *Registry) Execute(ctx context.Context, id, file string) (bool, error) {
	rsp, err := r.control(ctx, id, CommandExecute, file)
	if err != nil {
		return false, err
	}
	if rsp.Error != nil {
		return false, rsp.Error
	}
	if !bytes.Contains(rsp.Bytes, []byte(FreshFile)) {
		return false, errors.Errorf("machine %q saved no fresh file", id)
	}
	return true, nil
}

func (r *Registry) control(ctx context.Context, id, name string, args ...interface{}) (Response, error) {
	link, err := r.lookup(id)
	if err != nil {
		r.log.WithField("machine", id).WithField("command", name).Error("request for unknown machine")
		return Response{}, err
	}
	cmd, ok := r.cmds[name]
	if !ok {
		return Response{}, errors.Errorf("no %q command configured", name)
	}
	rsp := link.arb.Control(ctx, cmd, args...)
	r.log.WithFields(logrus.Fields{"machine": id, "command": name, "duration": rsp.Duration}).WithError(rsp.Error).Debug("request done")
	return rsp, nil
}

/*BroadcastFailsafe writes every active machine's failsafe command, best
effort: a failure on one machine does not keep the others from being sent
theirs.  Failsafe writes do not queue behind requests in flight.  The
returned map holds the machines that could not be reached*/
func (r *Registry) BroadcastFailsafe() map[string]error {
	r.mux.RLock()
	links := make([]*machineLink, 0, len(r.order))
	for _, id := range r.order {
		if link, ok := r.machines[id]; ok {
			links = append(links, link)
		}
	}
	r.mux.RUnlock()

	failed := map[string]error{}
	for _, link := range links {
		id := link.config.ID
		if link.config.Failsafe == "" {
			continue
		}
		log := r.log.WithField("machine", id)
		if _, err := link.sup.Write([]byte(link.config.Failsafe)); err != nil {
			log.WithError(err).Error("unable to send failsafe command")
			failed[id] = err
			continue
		}
		if err := link.sup.Drain(); err != nil {
			log.WithError(err).Warn("unable to drain after failsafe command")
		}
		r.metrics.failsafe(id)
		log.Warn("sent failsafe command")
	}
	return failed
}

/*Status returns a snapshot of the active machines in configuration order*/
func (r *Registry) Status() []MachineStatus {
	r.mux.RLock()
	defer r.mux.RUnlock()
	var out []MachineStatus
	for _, id := range r.order {
		link, ok := r.machines[id]
		if !ok {
			continue
		}
		out = append(out, MachineStatus{
			ID:       id,
			Path:     link.config.Path,
			BaudRate: link.config.BaudRate,
			State:    link.sup.State(),
			Attempts: link.sup.Attempts(),
			Busy:     link.arb.Busy(),
		})
	}
	return out
}

//String renders Status as a table
func (r *Registry) String() string {
	buf := bytes.NewBufferString("")
	tw := tablewriter.NewWriter(buf)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Machine", "Path", "Baud", "State", "Attempts", "Busy"})
	for _, st := range r.Status() {
		tw.Append([]string{
			st.ID,
			st.Path,
			strconv.Itoa(st.BaudRate),
			st.State.String(),
			strconv.Itoa(st.Attempts),
			fmt.Sprint(st.Busy),
		})
	}
	tw.Render()
	return buf.String()
}

/*Close stops every machine link.  Events is closed once they are all down*/
func (r *Registry) Close() error {
	r.cancel()
	r.mux.RLock()
	links := make([]*machineLink, 0, len(r.machines))
	for _, link := range r.machines {
		links = append(links, link)
	}
	r.mux.RUnlock()
	for _, link := range links {
		link.sup.Close()
	}
	r.wg.Wait()
	return nil
}
