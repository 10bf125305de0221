/*Package cncgate is an edge gateway between CNC machines (3D printers, mills
and the like speaking G-code over a serial line) and a cloud core server
reached over a websocket.  The cloud addresses machines by id; the gateway
holds the serial links, forwards commands and files to the right machine,
and sends the replies back tagged with the request's correlation id.

Links


Every link, serial or cloud, is a Transport owned by a Supervisor.  The
Supervisor opens it, reads from it and, when it drops, reconnects after a
delay until it runs out of attempts.  It never blocks anyone: whatever happens
is reported on its Events channel.  Machine paths may be:
  /dev/ttyUSB0 - Serial device, opened at the machine's baud rate
  serial://<device>:<baud> - Serial connection
  rs232://<device>:<baud> - Serial connection
  tcp://<host:port> - Serial server (ser2net and friends), tcp v4 or v6
  tcp4://<host:port> - Serial server over tcp v4
  tcp6://<host:port> - Serial server over tcp v6


Requests


Each machine gets an Arbiter, so one request per machine is on the wire at any
time and a reply can never be handed to the wrong request.  The Session keeps
the requests in flight by correlation id until they are answered, and forgets
them when the cloud link drops.


Error Handling


Transports do not retry.  Their errors conform to net.Error, and the
Supervisor keeps reconnecting on temporary errors only.  When the cloud is
given up on, every machine is sent its failsafe command.

*/
package cncgate

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
