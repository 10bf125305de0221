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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var _ Transport = &WSClient{}
var _ MessageReader = &WSClient{}

/*WSConfig is what it takes to reach the cloud*/
type WSConfig struct {
	//URL of the core server, with scheme (ws:// or wss://)
	URL string

	//ControllerID and Key authenticate the gateway; they travel as connection headers
	ControllerID string
	Key          string

	//SelfSigned trusts any certificate unless CertFile narrows it down
	SelfSigned bool

	//CertFile is a PEM certificate to trust in addition to the system pool
	CertFile string

	//HandshakeTimeout bounds the websocket handshake
	HandshakeTimeout time.Duration

	//PingInterval is how often the link is pinged; the read deadline is twice that. Zero disables
	PingInterval time.Duration

	//WriteTimeout bounds every write, 10s if zero.  A core that stops reading fails the link
	WriteTimeout time.Duration
}

/*TLSConfig returns the client TLS configuration, nil when the system defaults do*/
func (c WSConfig) TLSConfig() (*tls.Config, error) {
	if !c.SelfSigned && c.CertFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{}
	if c.CertFile != "" {
		pem, err := os.ReadFile(c.CertFile)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read certificate %q", c.CertFile)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %q", c.CertFile)
		}
		cfg.RootCAs = pool
	} else {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

/*WSClient is the cloud link: one websocket, one JSON document per message*/
type WSClient struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	ctx    context.Context

	wmux sync.Mutex //gorilla allows one writer at a time

	mux  sync.Mutex
	conn *websocket.Conn
	stop chan struct{}
}

/*NewWSClient returns an unopened cloud link*/
func NewWSClient(ctx context.Context, cfg WSConfig) (*WSClient, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, newErr(false, false, &ConnectError{Addr: cfg.URL, Err: err})
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WSClient{
		cfg: cfg,
		ctx: ctx,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
	}, nil
}

/*String conforms to the fmt.Stringer interface*/
func (wc *WSClient) String() string {
	return fmt.Sprintf("websocket connection to %v", wc.cfg.URL)
}

/*Open dials the core server.  Failures are temporary: the core may come back*/
func (wc *WSClient) Open() error {
	header := http.Header{}
	header.Set("_id", wc.cfg.ControllerID)
	header.Set("key", wc.cfg.Key)
	conn, rsp, err := wc.dialer.DialContext(wc.ctx, wc.cfg.URL, header)
	if err != nil {
		if rsp != nil {
			err = errors.Wrapf(err, "handshake answered %s", rsp.Status)
		}
		return newErr(false, true, &ConnectError{Addr: wc.cfg.URL, Err: err})
	}

	wc.mux.Lock()
	defer wc.mux.Unlock()
	if wc.conn != nil {
		wc.conn.Close()
	}
	wc.conn = conn
	wc.stop = make(chan struct{})
	if wc.cfg.PingInterval > 0 {
		wait := 2 * wc.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go wc.keepalive(conn, wc.stop)
	}
	return nil
}

func (wc *WSClient) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wc.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			//WriteControl may run alongside WriteMessage
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wc.cfg.PingInterval))
			if err != nil {
				return
			}
		}
	}
}

func (wc *WSClient) socket() *websocket.Conn {
	wc.mux.Lock()
	defer wc.mux.Unlock()
	return wc.conn
}

/*ReadMessage returns the next message.  Any error is final for this
connection*/
func (wc *WSClient) ReadMessage() ([]byte, error) {
	conn := wc.socket()
	if conn == nil {
		return nil, newErr(false, true, errors.New("broken connection"))
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, newErr(false, true, err)
	}
	if wc.cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * wc.cfg.PingInterval))
	}
	return msg, nil
}

/*Read conforms to io.Reader by handing out one message per call.  Messages
longer than b are truncated, so prefer ReadMessage*/
func (wc *WSClient) Read(b []byte) (int, error) {
	msg, err := wc.ReadMessage()
	return copy(b, msg), err
}

/*Write sends b as one text message*/
func (wc *WSClient) Write(b []byte) (int, error) {
	conn := wc.socket()
	if conn == nil {
		return 0, newErr(false, true, &WriteError{Addr: wc.cfg.URL, Err: ErrNotConnected})
	}
	wc.wmux.Lock()
	defer wc.wmux.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wc.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, newErr(false, true, &WriteError{Addr: wc.cfg.URL, Err: err})
	}
	return len(b), nil
}

/*Close says goodbye to the core server and drops the connection.  It does
not wait for a write in progress: closing the socket is what unblocks it*/
func (wc *WSClient) Close() error {
	wc.mux.Lock()
	conn, stop := wc.conn, wc.stop
	wc.conn, wc.stop = nil, nil
	wc.mux.Unlock()
	if conn == nil {
		return nil
	}
	close(stop)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(100*time.Millisecond))
	return conn.Close()
}
