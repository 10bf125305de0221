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
	"encoding/json"

	"github.com/pkg/errors"
)

//Cloud events
const (
	EventCommand         = "command"
	EventExecute         = "execute"
	EventResponseCommand = "response:command"
	EventResponseExecute = "response:execute"
	EventBind            = "bind"
	EventOutput          = "output"
)

/*inbound is every field an inbound frame may carry.  Pointers tell a missing
field from an empty one*/
type inbound struct {
	Event   string          `json:"event"`
	ID      json.RawMessage `json:"_id"`
	Machine string  `json:"machine"`
	Command *string `json:"command"`
	File    *string `json:"file"`
}

/*Request is a validated command or execute addressed to a machine*/
type Request struct {
	//Event is EventCommand or EventExecute
	Event string

	//ID is the correlation id keying the pending table: a string id as is, anything else as compact JSON
	ID string

	//RawID is the correlation id as the core sent it, echoed back verbatim
	RawID json.RawMessage

	Machine string

	//Payload is the raw command, or the file body of an execute
	Payload string
}

type commandResponse struct {
	ID       json.RawMessage `json:"_id"`
	Event    string          `json:"event"`
	Machine  string          `json:"machine"`
	Response string          `json:"response"`
}

type executeResponse struct {
	ID      json.RawMessage `json:"_id"`
	Event   string          `json:"event"`
	Machine string          `json:"machine"`
	Success bool            `json:"success"`
}

type bindFrame struct {
	Event   string `json:"event"`
	ID      string `json:"_id"`
	Version string `json:"version"`
}

type outputFrame struct {
	Event   string `json:"event"`
	Machine string `json:"machine"`
	Payload string `json:"payload"`
}

/*decodeFrame parses one inbound message.  The returned event is set whenever
the message was JSON at all, so unknown events can be told from garbage.  A
nil Request with a nil error is an event the gateway has no use for*/
func decodeFrame(msg []byte) (string, *Request, error) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		return "", nil, errors.Wrapf(ErrProtocol, "undecodable frame: %v", err)
	}
	switch in.Event {
	case EventCommand, EventExecute:
	case "":
		return "", nil, errors.Wrap(ErrProtocol, "frame without event")
	default:
		return in.Event, nil, nil
	}
	id, err := correlationID(in.ID)
	if err != nil {
		return in.Event, nil, errors.Wrapf(err, "%s frame", in.Event)
	}
	if in.Machine == "" {
		return in.Event, nil, errors.Wrapf(ErrProtocol, "%s frame %q without machine", in.Event, id)
	}
	payload := in.Command
	if in.Event == EventExecute {
		payload = in.File
	}
	if payload == nil {
		return in.Event, nil, errors.Wrapf(ErrProtocol, "%s frame %q without payload", in.Event, id)
	}
	return in.Event, &Request{Event: in.Event, ID: id, RawID: in.ID, Machine: in.Machine, Payload: *payload}, nil
}

/*correlationID turns the opaque _id into the pending table key.  Missing,
null and empty string ids are refused*/
func correlationID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.Wrap(ErrProtocol, "no _id")
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return "", errors.Wrap(ErrProtocol, "empty _id")
		}
		return s, nil
	}
	buf := bytes.Buffer{}
	if err := json.Compact(&buf, raw); err != nil {
		return "", errors.Wrapf(ErrProtocol, "bad _id: %v", err)
	}
	return buf.String(), nil
}

//wireID is the id to echo back on the response
func (r Request) wireID() json.RawMessage {
	if len(r.RawID) > 0 {
		return r.RawID
	}
	b, _ := json.Marshal(r.ID)
	return b
}
