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
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/NCAR/cncgate/emuserial"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

//waitFor polls cond for up to two seconds
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

/*machinePeer plays the machine at the far end of an emulated port.  Every
line written to the port is recorded and, if answer returns something, answered*/
type machinePeer struct {
	conn  net.Conn
	lines chan string
}

func attach(t *testing.T, emu *emuserial.Registry, path string, answer func(line string) string) *machinePeer {
	t.Helper()
	var port *emuserial.Port
	waitFor(t, path+" to open", func() bool {
		var ok bool
		port, ok = emu.Lookup(path)
		return ok
	})
	conn, err := emu.Connect(path)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, path+" to see its peer", func() bool { return port.Peers() > 0 })
	p := &machinePeer{conn: conn, lines: make(chan string, 64)}
	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			p.lines <- line
			if answer != nil {
				if rsp := answer(line); rsp != "" {
					conn.Write([]byte(rsp))
				}
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *machinePeer) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-p.lines:
		if got != want {
			t.Errorf("Machine got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Machine never got %q", want)
	}
}

func (p *machinePeer) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-p.lines:
		t.Errorf("Machine unexpectedly got %q", got)
	case <-time.After(d):
	}
}

func newEmuRegistry(t *testing.T, machines []MachineConfig, max int, metrics *Metrics) (*Registry, *emuserial.Registry) {
	t.Helper()
	emu := emuserial.NewRegistry(t.TempDir())
	r, err := NewRegistry(context.Background(), machines, RegistryOptions{
		Delay:       5 * time.Millisecond,
		MaxAttempts: max,
		Transport:   TransportOptions{Opener: emu.Open, ReadTimeout: 20 * time.Millisecond},
		Commands:    DefaultCommands(time.Second),
		Metrics:     metrics,
	}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, emu
}

func nextMachine(t *testing.T, r *Registry, id string, k EventKind) MachineEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				t.Fatalf("Events closed waiting for %s %v", id, k)
			}
			if ev.Machine == id && ev.Kind == k {
				return ev
			}
		case <-timeout:
			t.Fatalf("No %v from %s", k, id)
		}
	}
}

func TestNewRegistry_Invalid(t *testing.T) {
	for name, ms := range map[string][]MachineConfig{
		"no id":     {{Path: "/dev/ttyUSB0"}},
		"no path":   {{ID: "a"}},
		"bad baud":  {{ID: "a", Path: "/dev/ttyUSB0", BaudRate: -1}},
		"duplicate": {{ID: "a", Path: "/dev/ttyUSB0"}, {ID: "a", Path: "/dev/ttyUSB1"}},
	} {
		if _, err := NewRegistry(context.Background(), ms, RegistryOptions{}, quietLog()); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r, _ := newEmuRegistry(t, []MachineConfig{{ID: "printer", Path: "ttyP0", BaudRate: 115200}}, Unlimited, nil)
	if r.Known("mill") || !r.Known("printer") {
		t.Error("Only configured machines are known")
	}
	if _, err := r.Command(context.Background(), "Printer", "M105\n"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookups are exact, got %v", err)
	}
	if _, err := r.Execute(context.Background(), "mill", "G28\n"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := r.Send("mill", []byte("G28\n")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Command(t *testing.T) {
	r, emu := newEmuRegistry(t, []MachineConfig{{ID: "printer", Path: "ttyP0", BaudRate: 115200}}, Unlimited, nil)
	nextMachine(t, r, "printer", EventOpen)
	attach(t, emu, "ttyP0", func(line string) string {
		if line == "M105\n" {
			return "ok T:21.3 /0.0 B:20.9 /0.0\n"
		}
		return ""
	})

	reply, err := r.Command(context.Background(), "printer", "M105\n")
	if err != nil || reply != "ok T:21.3 /0.0 B:20.9 /0.0\n" {
		t.Errorf("Got %q, %v", reply, err)
	}

	st := r.Status()
	if len(st) != 1 || st[0].ID != "printer" || st[0].State != Open || st[0].Busy {
		t.Errorf("Unexpected status %+v", st)
	}
	if !strings.Contains(r.String(), "printer") {
		t.Errorf("Status table should list the machine:\n%s", r.String())
	}
}

func TestRegistry_CommandTimeout(t *testing.T) {
	emu := emuserial.NewRegistry(t.TempDir())
	cmds := DefaultCommands(50 * time.Millisecond)
	r, err := NewRegistry(context.Background(), []MachineConfig{{ID: "printer", Path: "ttyP0"}}, RegistryOptions{
		Delay:       5 * time.Millisecond,
		MaxAttempts: Unlimited,
		Transport:   TransportOptions{Opener: emu.Open, ReadTimeout: 20 * time.Millisecond},
		Commands:    cmds,
	}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	nextMachine(t, r, "printer", EventOpen)
	attach(t, emu, "ttyP0", nil)

	if _, err := r.Command(context.Background(), "printer", "M105\n"); !errors.Is(err, ErrTimeout) {
		t.Errorf("A silent machine should time out, got %v", err)
	}
}

//sdCard answers an SD card upload the way Marlin does, and G28 with "ok G28"
func sdCard(fresh bool) func(line string) string {
	return func(line string) string {
		switch line {
		case "M28\n":
			if fresh {
				return "echo:Now fresh file: job.gco\nok\n"
			}
			return "echo:open failed, File: job.gco.\nok\n"
		case "M29\n":
			return "Done saving file.\nok\n"
		case "G28\n":
			return "ok G28\n"
		}
		return "ok\n"
	}
}

func TestRegistry_Execute(t *testing.T) {
	r, emu := newEmuRegistry(t, []MachineConfig{{ID: "printer", Path: "ttyP0", BaudRate: 250000}}, Unlimited, nil)
	nextMachine(t, r, "printer", EventOpen)
	peer := attach(t, emu, "ttyP0", sdCard(true))

	ok, err := r.Execute(context.Background(), "printer", "G28\nG1 X10 Y10\n")
	if !ok || err != nil {
		t.Fatalf("Expected a confirmed file, got %v, %v", ok, err)
	}
	for _, line := range []string{"M28\n", "G28\n", "G1 X10 Y10\n", "M29\n"} {
		peer.expect(t, line)
	}

	//whatever the upload made the machine say belongs to the execute
	reply, err := r.Command(context.Background(), "printer", "G28\n")
	if err != nil || reply != "ok G28\n" {
		t.Errorf("Command after an execute got %q, %v", reply, err)
	}
}

func TestRegistry_ExecuteNoFreshFile(t *testing.T) {
	r, emu := newEmuRegistry(t, []MachineConfig{{ID: "printer", Path: "ttyP0"}}, Unlimited, nil)
	nextMachine(t, r, "printer", EventOpen)
	attach(t, emu, "ttyP0", sdCard(false))

	ok, err := r.Execute(context.Background(), "printer", "G1 X1\n")
	if ok || err == nil {
		t.Errorf("An upload without a fresh file should fail, got %v, %v", ok, err)
	}
}

func TestRegistry_ExecuteError(t *testing.T) {
	r, emu := newEmuRegistry(t, []MachineConfig{{ID: "printer", Path: "ttyP0"}}, Unlimited, nil)
	nextMachine(t, r, "printer", EventOpen)
	attach(t, emu, "ttyP0", func(line string) string {
		if line == "M28\n" {
			return "Error:No SD card\n"
		}
		return ""
	})
	ok, err := r.Execute(context.Background(), "printer", "G28\n")
	if ok || err == nil {
		t.Errorf("Expected the firmware error to fail the execute, got %v, %v", ok, err)
	}
}

func TestRegistry_Output(t *testing.T) {
	r, emu := newEmuRegistry(t, []MachineConfig{{ID: "printer", Path: "ttyP0"}}, Unlimited, nil)
	nextMachine(t, r, "printer", EventOpen)
	peer := attach(t, emu, "ttyP0", nil)

	//unsolicited bytes are nobody's reply
	peer.conn.Write([]byte("echo:busy: processing\n"))
	ev := nextMachine(t, r, "printer", EventData)
	if !strings.Contains(string(ev.Data), "busy") {
		t.Errorf("Got %q", ev.Data)
	}
	if err := r.Send("printer", []byte("M412\n")); err != nil {
		t.Fatal(err)
	}
	peer.expect(t, "M412\n")
}

func TestRegistry_Removal(t *testing.T) {
	r, emu := newEmuRegistry(t, []MachineConfig{
		{ID: "printer", Path: "ttyP0"},
		{ID: "mill", Path: "ttyM0"},
	}, 2, nil)
	nextMachine(t, r, "printer", EventOpen)

	emu.Unplug("ttyP0")
	nextMachine(t, r, "printer", EventClose)
	ev := nextMachine(t, r, "printer", EventDisconnect)
	if ev.Fatal || ev.Attempt != 2 {
		t.Errorf("Expected exhausted attempts, got %+v", ev)
	}

	if r.Known("printer") || !r.Known("mill") {
		t.Error("Only the machine given up on should be gone")
	}
	//coming back does not resurrect it
	emu.Replug("ttyP0")
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Command(context.Background(), "printer", "M105\n"); !errors.Is(err, ErrNotFound) {
		t.Errorf("A removed machine stays removed, got %v", err)
	}
	if st := r.Status(); len(st) != 1 || st[0].ID != "mill" {
		t.Errorf("Unexpected status %+v", st)
	}
}

func TestRegistry_BroadcastFailsafe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r, emu := newEmuRegistry(t, []MachineConfig{
		{ID: "printer", Path: "ttyP0", Failsafe: "M112\n"},
		{ID: "mill", Path: "ttyM0", Failsafe: "M0\n"},
		{ID: "laser", Path: "ttyL0"},
	}, Unlimited, m)
	for _, id := range []string{"printer", "mill", "laser"} {
		waitFor(t, id+" to open", func() bool {
			for _, st := range r.Status() {
				if st.ID == id {
					return st.State == Open
				}
			}
			return false
		})
	}
	printer := attach(t, emu, "ttyP0", nil)
	mill := attach(t, emu, "ttyM0", nil)
	laser := attach(t, emu, "ttyL0", nil)

	if failed := r.BroadcastFailsafe(); len(failed) != 0 {
		t.Errorf("Expected every failsafe through, failed %v", failed)
	}
	printer.expect(t, "M112\n")
	mill.expect(t, "M0\n")
	laser.quiet(t, 50*time.Millisecond)
	printer.quiet(t, 10*time.Millisecond)

	if n := testutil.ToFloat64(m.failsafes.WithLabelValues("printer")); n != 1 {
		t.Errorf("Expected one failsafe counted, got %v", n)
	}
	if n := testutil.ToFloat64(m.failsafes.WithLabelValues("laser")); n != 0 {
		t.Errorf("Nothing is sent to a machine without failsafe, got %v", n)
	}
}

func TestRegistry_FailsafeBestEffort(t *testing.T) {
	d := map[string]*fakeTransport{}
	r, err := NewRegistry(context.Background(), []MachineConfig{
		{ID: "a", Path: "fake-a", Failsafe: "M112\n"},
		{ID: "b", Path: "fake-b", Failsafe: "M112\n"},
	}, RegistryOptions{
		Delay:       time.Hour,
		MaxAttempts: Unlimited,
		Dial: func(ctx context.Context, m MachineConfig) (Transport, error) {
			if m.ID == "a" {
				return refused(0), nil
			}
			tr := newFakeTransport(m.ID, nil)
			d[m.ID] = tr
			return tr, nil
		},
	}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	waitFor(t, "a to fail and b to open", func() bool {
		st := r.Status()
		return len(st) == 2 && st[0].State == Reconnecting && st[1].State == Open
	})

	failed := r.BroadcastFailsafe()
	if _, ok := failed["a"]; !ok || len(failed) != 1 {
		t.Errorf("Expected only the unreachable machine to fail, got %v", failed)
	}
	if w := d["b"].Written(); len(w) != 1 || w[0] != "M112\n" || d["b"].drains != 1 {
		t.Errorf("Machine b should have been sent its failsafe and drained, got %q", w)
	}
}
