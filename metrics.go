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
	"github.com/prometheus/client_golang/prometheus"
)

/*Metrics are the gateway's prometheus collectors.  A nil *Metrics is valid
and records nothing*/
type Metrics struct {
	linkStates *prometheus.GaugeVec
	reconnects *prometheus.CounterVec
	frames     *prometheus.CounterVec
	failsafes  *prometheus.CounterVec
}

/*NewMetrics creates the collectors and registers them with reg*/
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		linkStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cncgate",
			Name:      "link_state",
			Help:      "Current link state (0 idle, 1 connecting, 2 open, 3 reconnecting, 4 disconnected).",
		}, []string{"link"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cncgate",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts made per link.",
		}, []string{"link"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cncgate",
			Name:      "frames_total",
			Help:      "Cloud frames handled, by direction and event.",
		}, []string{"direction", "event"}),
		failsafes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cncgate",
			Name:      "failsafe_commands_total",
			Help:      "Failsafe commands written, per machine.",
		}, []string{"machine"}),
	}
	reg.MustRegister(m.linkStates, m.reconnects, m.frames, m.failsafes)
	return m
}

func (m *Metrics) linkState(link string, s State) {
	if m == nil {
		return
	}
	m.linkStates.WithLabelValues(link).Set(float64(s))
}

func (m *Metrics) reconnect(link string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(link).Inc()
}

func (m *Metrics) frame(direction, event string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, event).Inc()
}

func (m *Metrics) failsafe(machine string) {
	if m == nil {
		return
	}
	m.failsafes.WithLabelValues(machine).Inc()
}
