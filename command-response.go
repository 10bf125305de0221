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
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

/*Command represents the Command portion of a Command-Response exchange with
a machine.
 */
type Command struct {
	/*Name is the human name of command, typically without any arguments.  The
	gateway's own commands are named after the cloud event that triggers them*/
	Name string

	/*Timeout is the max time allowed before the command should be forced to
	return a failed-because-it-took-too-long response*/
	Timeout time.Duration

	/*Prototype is the command prototype that is fed, with any arguments, to fmt.Sprintf
	and converted to bytes to shovel to a machine.  That is,
	    fmt.Sprintf(.Prototype, args...)
	is sent down the line.*/
	Prototype string

	/*CommandRegexp is the regex that the final command must match before being
	returned by Bytes.  A nil CommandRegexp accepts anything*/
	CommandRegexp *regexp.Regexp

	//Response is a regexp that should match good/positive/affirmative responses.
	Response *regexp.Regexp

	//Error is a regexp that should match bad/negative/failure responses
	Error *regexp.Regexp

	//Description is a human readable string of a brief explanation of the commands purpose
	Description string
}

/*sanitize renders ASCII control sequences to readable equivalents*/
func sanitize(i interface{}) string {
	var str string
	switch s := i.(type) {
	case *regexp.Regexp:
		if s == nil {
			return "-"
		}
		str = s.String()
	case string:
		str = s
	}
	return strings.Replace(strings.Replace(str, "\r", "\\r", -1), "\n", "\\n", -1)
}

//String implements the Stringer interface
func (c Command) String() string {
	return fmt.Sprintf("%s: %v Prototype:%q CommandRegexp:%q Expect:%q Error:%q", c.Name, c.Timeout, sanitize(c.Prototype), sanitize(c.CommandRegexp), sanitize(c.Response), sanitize(c.Error))
}

/*Bytes returns the raw bytes that should be sent to the machine based on the
Command.Prototype and any optional arguments passed to it via
  fmt.Sprintf(.Prototype, v...)
If the rendering introduced any "%!" sequences the prototype was not fed the
right arguments and ErrBytesArgs is returned.  "%!" sequences carried in by
string arguments themselves (G-code comments may have anything in them) do not
count.

If .CommandRegexp is nil, any command formed (sans the above rule) is
acceptable.  If not, the formed command must match it or ErrBytesFormat is
returned.
*/
func (c Command) Bytes(v ...interface{}) ([]byte, error) {
	str := fmt.Sprintf(c.Prototype, v...)
	carried := strings.Count(c.Prototype, "%%!")
	for _, arg := range v {
		switch a := arg.(type) {
		case string:
			carried += strings.Count(a, "%!")
		case []byte:
			carried += bytes.Count(a, []byte("%!"))
		}
	}
	//checking for wrong, or invalid arguments
	if strings.Count(str, "%!") > carried {
		return []byte(str), ErrBytesArgs
	}
	//make sure whatever we stuffed matches the provided regexp
	if c.CommandRegexp != nil && !c.CommandRegexp.MatchString(str) {
		return []byte(str), ErrBytesFormat
	}
	return []byte(str), nil
}

//Commands is map of Command structure where the key should be Command.Name
type Commands map[string]Command

//Names of the built in commands, after the cloud events that trigger them
const (
	CommandRaw     = "command"
	CommandExecute = "execute"
)

//FreshFile is what the firmware says when M28 opened the file for writing
const FreshFile = "echo:Now fresh file"

/*DefaultCommands returns the commands the gateway issues on behalf of the
cloud.  A raw command resolves on the first complete line the machine sends.
An execute brackets the file in SD card write markers and lasts until the
firmware acknowledged M29, so nothing it says about the upload is left over for
the next request.  Whether the file made it is up to the caller: see FreshFile*/
func DefaultCommands(timeout time.Duration) Commands {
	return Commands{
		CommandRaw: Command{
			Name:        CommandRaw,
			Timeout:     timeout,
			Prototype:   "%s",
			Response:    regexp.MustCompile(`\n`),
			Description: "raw G-code, answered with the machine's first reply line",
		},
		CommandExecute: Command{
			Name:        CommandExecute,
			Timeout:     timeout,
			Prototype:   "M28\n%sM29\n",
			Response:    regexp.MustCompile(`(?ms)Done saving file.*^ok\b`),
			Error:       regexp.MustCompile(`(?m)^(?:Error|error|!!)`),
			Description: "file written to the SD card between M28 and M29",
		},
	}
}

//String implements the Stringer() interface
func (c Commands) String() (r string) {
	cmds := sort.StringSlice{}
	for cmd := range c {
		cmds = append(cmds, cmd)
	}
	cmds.Sort()

	buf := bytes.NewBufferString("")
	tw := tablewriter.NewWriter(buf)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Name", "Timeout", "Prototype", "Command Regex", "Resp Regex", "Error Regex"})

	for _, cc := range cmds {
		cmd := c[cc]
		tw.Append([]string{
			cc,
			cmd.Timeout.String(),
			sanitize(cmd.Prototype),
			sanitize(cmd.CommandRegexp),
			sanitize(cmd.Response),
			sanitize(cmd.Error),
		})
	}
	tw.Render()
	return buf.String()
}

/*Clone returns a copy of the Commands*/
func (c Commands) Clone() Commands {
	r := Commands{}
	for name, cmd := range c {
		r[name] = cmd
	}
	return r
}

/*Response is what is returned from Command requests.

Bytes is a copy of the []byte read while waiting for a timeout or matching response.
Error is one of:
  - nil if the bytes received match the Command.Response regexp
  - an error wrapping ErrTimeout if the Command.Timeout elapsed first
  - an error wrapping ErrDisconnected if the link dropped first
  - Some other error on other low level issues.
Duration is the duration the command took before it succeeded (or failed).
*/
type Response struct {
	Bytes    []byte        //Raw bytes read or received.  In Control funcs, this is the raw value that matched the 'match' clause
	Error    error         //any non-nil errors
	Duration time.Duration //how long did the request take
}

//String implements the Stringer interface
func (r Response) String() string {
	return fmt.Sprintf("Response> Rx Bytes: %q\tErrors: %v\tDuration: %v", r.Bytes, r.Error, r.Duration)
}
