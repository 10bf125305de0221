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

// Command cncgate bridges CNC machines on serial links to the cloud core.
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NCAR/cncgate"
	"github.com/NCAR/cncgate/emuserial"
	"github.com/alecthomas/kingpin/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"
)

var version = "dev"

var (
	app = kingpin.New("cncgate", "Edge gateway between CNC machines and the cloud core")

	run        = app.Command("run", "Run the gateway").Default()
	runConfig  = run.Flag("config", "Configuration file").Short('c').Envar(cncgate.EnvConfig).Default("config.yaml").String()
	runEmulate = run.Flag("emulate", "Open machine paths as emulated serial ports with sockets in this directory").String()

	ports = app.Command("ports", "List the serial ports of this host")

	console     = app.Command("console", "Talk to a machine directly, stdin to the machine and the machine to stdout")
	consoleDial = console.Arg("dial", "serial://<device>:<baud> or tcp://<host>:<port>").Required().String()
	consoleBaud = console.Flag("baud", "Baud rate when dial is a bare device path").Default("115200").Int()
)

func main() {
	app.Version(version)
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case run.FullCommand():
		if err := serve(*runConfig, *runEmulate); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case ports.FullCommand():
		if err := listPorts(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case console.FullCommand():
		if err := talk(*consoleDial, *consoleBaud); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func serve(path, emulate string) error {
	cfg, err := cncgate.LoadConfig(path)
	if err != nil {
		return err
	}
	logger, closer, err := cfg.Controller.Logger.NewLogger()
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logrus.NewEntry(logger).WithField("controller", cfg.Controller.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *cncgate.Metrics
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = cncgate.NewMetrics(reg)
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
		defer srv.Close()
	}

	var opener cncgate.Opener
	if emulate != "" {
		if err := os.MkdirAll(emulate, 0o755); err != nil {
			return err
		}
		emu := emuserial.NewRegistry(emulate)
		emu.Log = log.WithField("emulated", true)
		opener = emu.Open
	}

	ropts := cfg.RegistryOptions(opener, metrics)
	log.Debugf("commands:\n%v", ropts.Commands)
	machines, err := cncgate.NewRegistry(ctx, cfg.Machines, ropts, log)
	if err != nil {
		return err
	}
	defer machines.Close()

	session := cncgate.NewSession(ctx, cfg.SessionConfig(version, metrics), machines.Known, log)
	defer session.Close()

	gw := cncgate.NewGateway(machines, session, cncgate.GatewayOptions{
		SerialFailsafe: cfg.Controller.Reconnect.Serial.Failsafe,
	}, log)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Debugf("machines:\n%v", machines)
			}
		}
	}()

	log.WithField("version", version).WithField("machines", len(cfg.Machines)).Info("gateway starting")
	if err := gw.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	log.Info("gateway stopped")
	return nil
}

func listPorts() error {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return err
	}
	buf := bytes.NewBufferString("")
	tw := tablewriter.NewWriter(buf)
	tw.SetHeader([]string{"Port", "USB", "VID", "PID", "Serial", "Product"})
	for _, p := range list {
		tw.Append([]string{p.Name, fmt.Sprint(p.IsUSB), p.VID, p.PID, p.SerialNumber, p.Product})
	}
	tw.Render()
	fmt.Print(buf.String())
	return nil
}

//talk is a crappy netcat that can talk serial
func talk(dial string, baud int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	t, err := cncgate.NewMachineTransport(ctx, cncgate.MachineConfig{ID: "console", Path: dial, BaudRate: baud},
		cncgate.TransportOptions{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	if err := t.Open(); err != nil {
		return err
	}
	defer t.Close()

	go func() {
		b := make([]byte, 1024)
		for {
			n, e := t.Read(b)
			os.Stdout.Write(b[0:n])
			if e != nil && !cncgate.IsTimeout(e) {
				if ctx.Err() == nil {
					fmt.Fprintln(os.Stderr, e)
				}
				stop()
				return
			}
		}
	}()

	lines := make(chan []byte)
	go func() {
		stdin := bufio.NewReader(os.Stdin)
		for {
			line, err := stdin.ReadBytes('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := t.Write(line); err != nil {
				return err
			}
		}
	}
}
