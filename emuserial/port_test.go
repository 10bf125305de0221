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
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

func open(t *testing.T, r *Registry, path string) *Port {
	t.Helper()
	p, err := r.Open(path, &serial.Mode{BaudRate: 115200})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p.(*Port)
}

func connect(t *testing.T, r *Registry, p *Port) net.Conn {
	t.Helper()
	want := p.Peers() + 1
	c, err := r.Connect(p.Path())
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.Peers() < want {
		if time.Now().After(deadline) {
			t.Fatal("Peer never attached")
		}
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPort_Read(t *testing.T) {
	r := NewRegistry(t.TempDir())
	p := open(t, r, "/dev/ttyEMU0")
	peer := connect(t, r, p)

	//buffered bytes come back right away
	peer.Write([]byte("ok\n"))
	b := make([]byte, 16)
	if n, err := p.Read(b); err != nil || string(b[:n]) != "ok\n" {
		t.Fatalf("Got %q, %v", b[:n], err)
	}

	//an empty buffer waits for data
	go func() {
		time.Sleep(20 * time.Millisecond)
		peer.Write([]byte("T:21\n"))
	}()
	start := time.Now()
	n, err := p.Read(b)
	if err != nil || string(b[:n]) != "T:21\n" || time.Since(start) < 10*time.Millisecond {
		t.Fatalf("Expected a blocking read, got %q, %v after %v", b[:n], err, time.Since(start))
	}

	//short reads leave the rest buffered
	peer.Write([]byte("abcdef"))
	time.Sleep(10 * time.Millisecond)
	small := make([]byte, 4)
	if n, _ := p.Read(small); string(small[:n]) != "abcd" {
		t.Errorf("Got %q", small[:n])
	}
	if n, _ := p.Read(small); string(small[:n]) != "ef" {
		t.Errorf("Got %q", small[:n])
	}
}

func TestPort_ReadTimeout(t *testing.T) {
	r := NewRegistry(t.TempDir())
	p := open(t, r, "ttyEMU0")
	if err := p.SetReadTimeout(-5); err == nil {
		t.Error("Negative timeouts other than NoTimeout are invalid")
	}
	p.SetReadTimeout(20 * time.Millisecond)
	start := time.Now()
	n, err := p.Read(make([]byte, 8))
	if n != 0 || err != nil {
		t.Errorf("A timed out read returns 0, nil; got %d, %v", n, err)
	}
	if el := time.Since(start); el < 20*time.Millisecond {
		t.Errorf("Returned after %v", el)
	}
}

func TestPort_CloseWakesRead(t *testing.T) {
	r := NewRegistry(t.TempDir())
	p, err := r.Open("ttyEMU0", nil)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the read")
	}
	if err := p.Close(); err == nil {
		t.Error("Closing twice should fail")
	}
	if _, err := p.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Writes after close should fail, got %v", err)
	}
}

func TestPort_WriteBroadcast(t *testing.T) {
	r := NewRegistry(t.TempDir())
	p := open(t, r, "ttyEMU0")
	//no peer: the bytes are simply lost
	if n, err := p.Write([]byte("lost")); n != 4 || err != nil {
		t.Errorf("Got %d, %v", n, err)
	}
	a, b := connect(t, r, p), connect(t, r, p)
	p.Write([]byte("M105\n"))
	for _, c := range []net.Conn{a, b} {
		buf := make([]byte, 16)
		c.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.Read(buf)
		if err != nil || string(buf[:n]) != "M105\n" {
			t.Errorf("Peer got %q, %v", buf[:n], err)
		}
	}
}

func TestPort_ControlLines(t *testing.T) {
	r := NewRegistry(t.TempDir())
	p := open(t, r, "ttyEMU0")
	bits, err := p.GetModemStatusBits()
	if err != nil || !bits.CTS || bits.DCD {
		t.Errorf("Expected CTS only with no peer, got %+v, %v", bits, err)
	}
	c := connect(t, r, p)
	if bits, _ := p.GetModemStatusBits(); !bits.CTS || !bits.DCD {
		t.Errorf("Expected DCD with a peer attached, got %+v", bits)
	}
	c.Close()
	deadline := time.Now().Add(time.Second)
	for p.Peers() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if bits, _ := p.GetModemStatusBits(); bits.DCD {
		t.Error("DCD should drop with the last peer")
	}
	if p.SetDTR(true) != nil || p.SetRTS(true) != nil || p.Break(time.Millisecond) != nil {
		t.Error("Control lines should be accepted")
	}
}

func TestPort_Buffers(t *testing.T) {
	r := NewRegistry(t.TempDir())
	p := open(t, r, "ttyEMU0")
	peer := connect(t, r, p)
	peer.Write([]byte("stale"))
	time.Sleep(10 * time.Millisecond)
	if err := p.ResetInputBuffer(); err != nil {
		t.Fatal(err)
	}
	p.SetReadTimeout(10 * time.Millisecond)
	if n, _ := p.Read(make([]byte, 8)); n != 0 {
		t.Error("Flushed bytes should be gone")
	}
	if p.ResetOutputBuffer() != nil || p.Drain() != nil {
		t.Error("Drain and output flush complete at once")
	}

	if p.BaudRate() != 115200 {
		t.Errorf("Got %d", p.BaudRate())
	}
	p.SetMode(&serial.Mode{})
	if p.BaudRate() != 9600 {
		t.Errorf("Expected the default rate, got %d", p.BaudRate())
	}
}

func TestRegistry_Instances(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Greeting = []byte("start\n")
	a := open(t, r, "ttyB")
	b := open(t, r, "ttyA")

	if _, err := r.Open("ttyA", nil); err == nil {
		t.Error("A port cannot be opened twice")
	}
	list := r.List()
	if len(list) != 2 || list[0].Name != "ttyA" || list[1].Name != "ttyB" || list[0].Product != Product {
		t.Errorf("Unexpected listing %+v", list)
	}
	if list[0].SerialNumber == list[1].SerialNumber {
		t.Error("Every port gets its own serial number")
	}

	buf := make([]byte, 16)
	for _, p := range []*Port{a, b} {
		if n, _ := p.Read(buf); string(buf[:n]) != "start\n" {
			t.Errorf("Expected the greeting first, got %q", buf[:n])
		}
	}

	//no cross talk
	pa, pb := connect(t, r, a), connect(t, r, b)
	pa.Write([]byte("to-a"))
	time.Sleep(10 * time.Millisecond)
	if n, _ := a.Read(buf); string(buf[:n]) != "to-a" {
		t.Errorf("Got %q", buf[:n])
	}
	b.SetReadTimeout(10 * time.Millisecond)
	if n, _ := b.Read(buf); n != 0 {
		t.Errorf("Port b got %q meant for a", buf[:n])
	}
	b.Write([]byte("from-b"))
	pa.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	if n, err := pa.Read(buf); err == nil {
		t.Errorf("Peer of a got %q from b", buf[:n])
	}
	pb.SetReadDeadline(time.Now().Add(time.Second))
	if n, _ := pb.Read(buf); string(buf[:n]) != "from-b" {
		t.Errorf("Got %q", buf[:n])
	}

	b.Close()
	if _, ok := r.Lookup("ttyA"); ok {
		t.Error("Closed ports leave the registry")
	}
	if _, err := r.Connect("ttyA"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Connecting to a closed port should fail, got %v", err)
	}
}

func TestRegistry_Unplug(t *testing.T) {
	r := NewRegistry(t.TempDir())
	p := open(t, r, "ttyEMU0")
	peer := connect(t, r, p)

	r.Unplug("ttyEMU0")
	if _, err := p.Read(make([]byte, 8)); err == nil || errors.Is(err, ErrClosed) {
		t.Errorf("An unplugged port fails with its own error, got %v", err)
	}
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 8)); err == nil {
		t.Error("Peers are dropped on unplug")
	}
	if _, err := r.Open("ttyEMU0", nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Unplugged ports cannot be opened, got %v", err)
	}
	r.Replug("ttyEMU0")
	q, err := r.Open("ttyEMU0", nil)
	if err != nil {
		t.Fatalf("Replugged port should open: %v", err)
	}
	q.Close()
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				p, err := r.Open(path, nil)
				if err != nil {
					t.Errorf("%s: %v", path, err)
					return
				}
				r.List()
				if c, err := r.Connect(path); err == nil {
					c.Close()
				}
				if n%2 == 0 {
					r.Unplug(path)
					if _, err := r.Open(path, nil); !errors.Is(err, os.ErrNotExist) {
						t.Errorf("%s: open while unplugged gave %v", path, err)
					}
					r.Replug(path)
				} else if err := p.Close(); err != nil {
					t.Errorf("%s: %v", path, err)
				}
			}
		}(fmt.Sprintf("ttyC%d", i))
	}
	wg.Wait()
	if l := r.List(); len(l) != 0 {
		t.Errorf("Every port was closed or unplugged, still listed: %v", l)
	}
}
