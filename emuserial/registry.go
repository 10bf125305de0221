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
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

//Product is reported for every emulated port by List
const Product = "cncgate emulated serial port"

/*Registry is the set of emulated ports opened through it*/
type Registry struct {
	//Dir holds the sockets
	Dir string

	//Greeting is preloaded into the receive buffer of every port opened
	Greeting []byte

	//Log, if set, gets told about ports opening and closing
	Log *logrus.Entry

	mux       sync.Mutex
	ports     map[string]*Port
	unplugged map[string]bool
	serialNo  int
}

/*NewRegistry returns a registry keeping its sockets in dir*/
func NewRegistry(dir string) *Registry {
	return &Registry{Dir: dir}
}

func (r *Registry) socketPath(path string) string {
	return filepath.Join(r.Dir, url.PathEscape(path)+".sock")
}

func (r *Registry) logf(path, msg string) {
	if r.Log != nil {
		r.Log.WithField("path", path).Info(msg)
	}
}

/*Open opens the emulated port at path.  It fails with an error wrapping
os.ErrNotExist while path is unplugged, and refuses to open a path twice*/
func (r *Registry) Open(path string, mode *serial.Mode) (serial.Port, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.ports == nil {
		r.ports, r.unplugged = map[string]*Port{}, map[string]bool{}
	}
	if r.unplugged[path] {
		return nil, errors.Wrapf(os.ErrNotExist, "emulated port %q unplugged", path)
	}
	if _, busy := r.ports[path]; busy {
		return nil, errors.Errorf("emulated port %q already open", path)
	}

	sock := r.socketPath(path)
	os.Remove(sock)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to start pipe for %q", path)
	}
	r.serialNo++
	p := newPort(r, path, sock, ln, mode)
	p.details = &enumerator.PortDetails{
		Name:         path,
		SerialNumber: strconv.Itoa(r.serialNo),
		Product:      Product,
	}
	p.rx = append(p.rx, r.Greeting...)
	r.ports[path] = p
	go p.serve()
	r.logf(path, "opened emulated port")
	return p, nil
}

/*List returns the ports currently open, sorted by name*/
func (r *Registry) List() []*enumerator.PortDetails {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]*enumerator.PortDetails, 0, len(r.ports))
	for _, p := range r.ports {
		d := *p.details
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

/*Lookup returns the open port at path*/
func (r *Registry) Lookup(path string) (*Port, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	p, ok := r.ports[path]
	return p, ok
}

/*Connect attaches a new peer to the open port at path*/
func (r *Registry) Connect(path string) (net.Conn, error) {
	if _, ok := r.Lookup(path); !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "emulated port %q is not open", path)
	}
	return net.Dial("unix", r.socketPath(path))
}

/*Unplug yanks the port at path: an open port dies with an error, and opening
it fails until Replug*/
func (r *Registry) Unplug(path string) {
	r.mux.Lock()
	if r.ports == nil {
		r.ports, r.unplugged = map[string]*Port{}, map[string]bool{}
	}
	r.unplugged[path] = true
	p := r.ports[path]
	delete(r.ports, path)
	r.mux.Unlock()
	if p != nil {
		p.shutdown(errors.Errorf("emulated port %q unplugged", path))
		r.logf(path, "unplugged emulated port")
	}
}

/*Replug makes path openable again*/
func (r *Registry) Replug(path string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.unplugged, path)
}

func (r *Registry) release(p *Port) {
	r.mux.Lock()
	if r.ports[p.path] == p {
		delete(r.ports, p.path)
	}
	r.mux.Unlock()
	r.logf(p.path, "closed emulated port")
}
