/*Package emuserial emulates serial ports over unix domain sockets, so the
gateway can be driven end to end without hardware.

Each emulated port is a serial.Port (go.bug.st/serial) on the gateway side and a
listening socket on the other: any number of peer processes may connect to it
with Registry.Connect (or plainly, by dialing the socket).  Whatever the gateway
writes is broadcast to every peer; whatever a peer writes lands in the port's
receive buffer.

  DTE (gateway) <---> Port <---> unix socket <---> peer(s) (tests, emulated machines)

Ports live in a Registry, which is passed to whatever needs to open them;
there is no package level state, so tests using separate registries never see
each other's ports.  Registry.Open has the signature of serial.Open and can be
handed to cncgate as the Opener of its serial clients.
*/
package emuserial

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
