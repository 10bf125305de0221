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
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//Environment variables that override the configuration file
const (
	EnvConfig        = "CNCGATE_CONFIG"
	EnvControllerID  = "CNCGATE_CONTROLLER_ID"
	EnvControllerKey = "CNCGATE_CONTROLLER_KEY"
	EnvCoreURL       = "CNCGATE_CORE_URL"
)

/*Config is the whole gateway configuration*/
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Core       CoreConfig       `yaml:"core"`
	Machines   []MachineConfig  `yaml:"machines"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

/*ControllerConfig describes this gateway*/
type ControllerConfig struct {
	//ID of the controller, generated by the core
	ID string `yaml:"id"`

	//Key is the controller credential.  KeyFile is read instead when Key is empty
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`

	Logger    LoggerConfig    `yaml:"logger"`
	Reconnect ReconnectConfig `yaml:"reconnect"`

	//ReplyTimeout bounds how long a machine gets to answer a request
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

/*LoggerConfig configures logging*/
type LoggerConfig struct {
	//Level is one of logrus' levels
	Level string `yaml:"level"`

	//Format is text or json
	Format string `yaml:"format"`

	//Mode is console, file or silent
	Mode string `yaml:"mode"`

	//Directory receives cncgate.log in file mode
	Directory string `yaml:"directory"`
}

/*ReconnectConfig holds the two independent reconnect policies*/
type ReconnectConfig struct {
	Serial LinkPolicy `yaml:"serial"`
	Socket LinkPolicy `yaml:"socket"`
}

/*LinkPolicy is how one kind of link reconnects*/
type LinkPolicy struct {
	//Delay between detecting a disconnect and attempting to reconnect
	Delay time.Duration `yaml:"delay"`

	//MaximumAttempts to reconnect, -1 for no limit
	MaximumAttempts *int `yaml:"maximum_attempts"`

	//Multiplier > 1 grows the delay up to MaxDelay after every failure
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`

	//Failsafe (serial only) sends every remaining machine its failsafe command once a machine is given up on
	Failsafe bool `yaml:"failsafe"`
}

//Attempts returns the configured attempts, defaulting to 10
func (p LinkPolicy) Attempts() int {
	if p.MaximumAttempts == nil {
		return 10
	}
	return *p.MaximumAttempts
}

/*CoreConfig is how to reach the cloud*/
type CoreConfig struct {
	//URL of the core server, with scheme
	URL string `yaml:"url"`

	//Cert is a PEM certificate to trust, for self signed deployments
	Cert string `yaml:"cert"`

	//SelfSigned trusts certificates the system does not
	SelfSigned bool `yaml:"self_signed"`

	//PingInterval keeps the link alive; 0 disables pings
	PingInterval *time.Duration `yaml:"ping_interval"`
}

/*MetricsConfig configures the prometheus endpoint*/
type MetricsConfig struct {
	//Listen is the address /metrics is served on; empty disables it
	Listen string `yaml:"listen"`
}

/*LoadConfig reads the configuration at path, applies environment overrides
and defaults, and validates the result.  Relative paths inside the
configuration are relative to the file*/
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read configuration")
	}
	cfg, err := ParseConfig(raw, filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "configuration %q", path)
	}
	return cfg, nil
}

/*ParseConfig is LoadConfig on bytes already read.  dir anchors relative paths*/
func ParseConfig(raw []byte, dir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "unable to parse")
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.loadKey(dir); err != nil {
		return nil, err
	}
	if cfg.Core.Cert != "" && !filepath.IsAbs(cfg.Core.Cert) {
		cfg.Core.Cert = filepath.Join(dir, cfg.Core.Cert)
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvControllerID); v != "" {
		c.Controller.ID = v
	}
	if v := os.Getenv(EnvControllerKey); v != "" {
		c.Controller.Key = v
	}
	if v := os.Getenv(EnvCoreURL); v != "" {
		c.Core.URL = v
	}
}

func (c *Config) applyDefaults() {
	rc := &c.Controller.Reconnect
	if rc.Serial.Delay == 0 {
		rc.Serial.Delay = 3 * time.Second
	}
	if rc.Socket.Delay == 0 {
		rc.Socket.Delay = 3 * time.Second
	}
	if c.Controller.ReplyTimeout == 0 {
		c.Controller.ReplyTimeout = 30 * time.Second
	}
	if c.Core.PingInterval == nil {
		d := 30 * time.Second
		c.Core.PingInterval = &d
	}
	lc := &c.Controller.Logger
	if lc.Level == "" {
		lc.Level = "info"
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
	if lc.Mode == "" {
		lc.Mode = "console"
	}
	if lc.Directory == "" {
		lc.Directory = "./logs/"
	}
}

//loadKey reads the key file when no key was given directly
func (c *Config) loadKey(dir string) error {
	if c.Controller.Key != "" || c.Controller.KeyFile == "" {
		return nil
	}
	path := c.Controller.KeyFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "controller.key_file")
	}
	c.Controller.Key = strings.TrimSpace(string(b))
	return nil
}

/*Validate reports the first problem found, naming the offending key*/
func (c *Config) Validate() error {
	if c.Controller.ID == "" {
		return errors.New("controller.id must be set")
	}
	if c.Controller.Key == "" {
		return errors.New("controller.key (or controller.key_file) must be set")
	}
	if c.Core.URL == "" {
		return errors.New("core.url must be set")
	}
	if !strings.HasPrefix(c.Core.URL, "ws://") && !strings.HasPrefix(c.Core.URL, "wss://") {
		return errors.Errorf("core.url %q must be a ws:// or wss:// url", c.Core.URL)
	}
	for name, p := range map[string]LinkPolicy{"serial": c.Controller.Reconnect.Serial, "socket": c.Controller.Reconnect.Socket} {
		if p.Delay < 0 {
			return errors.Errorf("controller.reconnect.%s.delay must not be negative", name)
		}
		if p.Attempts() < Unlimited {
			return errors.Errorf("controller.reconnect.%s.maximum_attempts must be -1 or more", name)
		}
	}
	if _, err := logrus.ParseLevel(c.Controller.Logger.Level); err != nil {
		return errors.Wrap(err, "controller.logger.level")
	}
	switch c.Controller.Logger.Format {
	case "text", "json":
	default:
		return errors.Errorf("controller.logger.format %q must be text or json", c.Controller.Logger.Format)
	}
	switch c.Controller.Logger.Mode {
	case "console", "file", "silent":
	default:
		return errors.Errorf("controller.logger.mode %q must be console, file or silent", c.Controller.Logger.Mode)
	}
	seen := map[string]bool{}
	for i, m := range c.Machines {
		if err := m.Validate(); err != nil {
			return errors.Wrapf(err, "machines[%d]", i)
		}
		if seen[m.ID] {
			return errors.Errorf("machines[%d]: id %q used twice", i, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

/*NewLogger builds the logger the configuration asks for.  The returned closer
releases the log file in file mode*/
func (lc LoggerConfig) NewLogger() (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, errors.Wrap(err, "controller.logger.level")
	}
	log.SetLevel(level)
	if lc.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	var closer io.Closer = io.NopCloser(nil)
	switch lc.Mode {
	case "silent":
		log.SetOutput(io.Discard)
	case "file":
		if err := os.MkdirAll(lc.Directory, 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "controller.logger.directory")
		}
		f, err := os.OpenFile(filepath.Join(lc.Directory, "cncgate.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "controller.logger.directory")
		}
		log.SetOutput(f)
		closer = f
	default:
		log.SetOutput(os.Stderr)
	}
	return log, closer, nil
}

/*RegistryOptions derives the machine side options*/
func (c *Config) RegistryOptions(opener Opener, metrics *Metrics) RegistryOptions {
	p := c.Controller.Reconnect.Serial
	return RegistryOptions{
		Delay:       p.Delay,
		MaxAttempts: p.Attempts(),
		Multiplier:  p.Multiplier,
		MaxDelay:    p.MaxDelay,
		Transport:   TransportOptions{Timeout: 10 * time.Second, Opener: opener},
		Commands:    DefaultCommands(c.Controller.ReplyTimeout),
		Metrics:     metrics,
	}
}

/*SessionConfig derives the cloud side options*/
func (c *Config) SessionConfig(version string, metrics *Metrics) SessionConfig {
	p := c.Controller.Reconnect.Socket
	return SessionConfig{
		WS: WSConfig{
			URL:          c.Core.URL,
			ControllerID: c.Controller.ID,
			Key:          c.Controller.Key,
			SelfSigned:   c.Core.SelfSigned,
			CertFile:     c.Core.Cert,
			PingInterval: *c.Core.PingInterval,
		},
		Version:     version,
		Delay:       p.Delay,
		MaxAttempts: p.Attempts(),
		Multiplier:  p.Multiplier,
		MaxDelay:    p.MaxDelay,
		Metrics:     metrics,
	}
}
