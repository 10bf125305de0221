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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
controller:
  id: ctl-1
  key_file: controller.key
  logger:
    level: debug
    format: json
    mode: silent
  reconnect:
    serial:
      delay: 2s
      maximum_attempts: -1
      failsafe: true
    socket:
      delay: 500ms
      maximum_attempts: 0
      multiplier: 2
      max_delay: 1m
  reply_timeout: 45s
core:
  url: wss://core.example.com/controller
  cert: core.pem
  self_signed: true
machines:
  - id: prusa
    path: /dev/ttyACM0
    baud_rate: 115200
    failsafe: "M112\n"
  - id: mill
    path: tcp://10.0.0.9:2000
metrics:
  listen: ":9100"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "controller.key"), []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "cncgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.Key != "s3cret" {
		t.Errorf("Expected the key read from its file, got %q", cfg.Controller.Key)
	}
	if cfg.Core.Cert != filepath.Join(filepath.Dir(path), "core.pem") {
		t.Errorf("Relative paths are relative to the configuration, got %q", cfg.Core.Cert)
	}
	if len(cfg.Machines) != 2 || cfg.Machines[0].Failsafe != "M112\n" || cfg.Machines[1].BaudRate != 0 {
		t.Errorf("Unexpected machines %+v", cfg.Machines)
	}
	if *cfg.Core.PingInterval != 30*time.Second {
		t.Errorf("Expected the default ping interval, got %v", *cfg.Core.PingInterval)
	}

	ropts := cfg.RegistryOptions(nil, nil)
	if ropts.Delay != 2*time.Second || ropts.MaxAttempts != Unlimited {
		t.Errorf("Unexpected serial policy %+v", ropts)
	}
	if ropts.Commands[CommandRaw].Timeout != 45*time.Second {
		t.Errorf("Reply timeout not carried, got %v", ropts.Commands[CommandRaw].Timeout)
	}
	scfg := cfg.SessionConfig("1.0", nil)
	if scfg.Delay != 500*time.Millisecond || scfg.MaxAttempts != 0 || scfg.Multiplier != 2 || scfg.MaxDelay != time.Minute {
		t.Errorf("Unexpected socket policy %+v", scfg)
	}
	if scfg.WS.ControllerID != "ctl-1" || scfg.WS.Key != "s3cret" || !scfg.WS.SelfSigned || scfg.Version != "1.0" {
		t.Errorf("Unexpected cloud settings %+v", scfg.WS)
	}
	if !cfg.Controller.Reconnect.Serial.Failsafe {
		t.Error("Serial failsafe should be on")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("controller: {id: a, key: b}\ncore: {url: ws://localhost:3000}\n"), ".")
	if err != nil {
		t.Fatal(err)
	}
	rc := cfg.Controller.Reconnect
	if rc.Serial.Delay != 3*time.Second || rc.Socket.Delay != 3*time.Second {
		t.Errorf("Expected 3s delays, got %+v", rc)
	}
	if rc.Serial.Attempts() != 10 || rc.Socket.Attempts() != 10 {
		t.Errorf("Expected 10 attempts, got %d and %d", rc.Serial.Attempts(), rc.Socket.Attempts())
	}
	if cfg.Controller.ReplyTimeout != 30*time.Second {
		t.Errorf("Got %v", cfg.Controller.ReplyTimeout)
	}
	lc := cfg.Controller.Logger
	if lc.Level != "info" || lc.Format != "text" || lc.Mode != "console" {
		t.Errorf("Unexpected logger defaults %+v", lc)
	}
}

func TestConfig_Env(t *testing.T) {
	t.Setenv(EnvControllerID, "from-env")
	t.Setenv(EnvControllerKey, "env-key")
	t.Setenv(EnvCoreURL, "wss://env.example.com")
	cfg, err := ParseConfig([]byte("controller: {id: a, key: b}\ncore: {url: ws://localhost:3000}\n"), ".")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.ID != "from-env" || cfg.Controller.Key != "env-key" || cfg.Core.URL != "wss://env.example.com" {
		t.Errorf("Environment should win, got %+v %+v", cfg.Controller, cfg.Core)
	}
}

func TestConfig_Invalid(t *testing.T) {
	base := "controller: {id: a, key: b}\ncore: {url: ws://localhost:3000}\n"
	for _, c := range []struct{ body, key string }{
		{"core: {url: ws://x}\n", "controller.id"},
		{"controller: {id: a}\ncore: {url: ws://x}\n", "controller.key"},
		{"controller: {id: a, key: b}\n", "core.url"},
		{"controller: {id: a, key: b}\ncore: {url: http://x}\n", "core.url"},
		{base + "machines: [{id: a, path: /dev/x}, {id: a, path: /dev/y}]\n", "machines[1]"},
		{base + "machines: [{path: /dev/x}]\n", "machines[0]"},
		{"controller: {id: a, key: b, logger: {format: xml}}\ncore: {url: ws://x}\n", "controller.logger.format"},
		{"controller: {id: a, key: b, logger: {level: chatty}}\ncore: {url: ws://x}\n", "controller.logger.level"},
		{"controller: {id: a, key: b, reconnect: {serial: {maximum_attempts: -2}}}\ncore: {url: ws://x}\n", "controller.reconnect.serial"},
		{base + "bogus: 1\n", "bogus"},
	} {
		_, err := ParseConfig([]byte(c.body), ".")
		if err == nil || !strings.Contains(err.Error(), c.key) {
			t.Errorf("%q: expected an error naming %s, got %v", c.body, c.key, err)
		}
	}
}

func TestLoggerConfig_NewLogger(t *testing.T) {
	dir := t.TempDir()
	log, closer, err := LoggerConfig{Level: "warn", Format: "json", Mode: "file", Directory: dir}.NewLogger()
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.WithField("machine", "m1").Warn("shown")
	closer.Close()

	b, err := os.ReadFile(filepath.Join(dir, "cncgate.log"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "hidden") || !strings.Contains(string(b), `"machine":"m1"`) {
		t.Errorf("Unexpected log file:\n%s", b)
	}
}
