// Copyright 2023 The goshawk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package goshawk

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackal-xmpp/stravaganza"

	"github.com/goshawk-im/goshawk/pkg/client"
	"github.com/goshawk-im/goshawk/pkg/dispatcher"
	"github.com/goshawk-im/goshawk/pkg/hook"
	"github.com/goshawk-im/goshawk/pkg/log"
	xmpputil "github.com/goshawk-im/goshawk/pkg/util/xmpp"
	"github.com/goshawk-im/goshawk/pkg/version"
)

const (
	defaultBootstrapTimeout = time.Minute
	defaultShutdownTimeout  = time.Second * 30

	envConfigFile = "GOSHAWK_CONFIG_FILE"
)

var logoStr = []string{
	`                        .__                     __    `,
	`   ____   ____  _______ |  |__  _____  __  _  _|  | __`,
	`  / ___\ /  _ \/  ___/  |  |  \ \__  \ \ \/ \/ /  |/ /`,
	` / /_/  >  <_> )___ \   |   Y  \ / __ \_\     /|    <  `,
	` \___  / \____/____  >  |___|  /(____  / \/\_/ |__|_ \ `,
	`/_____/            \/       \/      \/             \/ `,
}

const usageStr = `
Usage: goshawk [options]
Client Options:
    --config <file>    Configuration file path
Common Options:
    --help             Show this message
    --version          Show version
`

type starter interface {
	Start(ctx context.Context) error
}

type stopper interface {
	Stop(ctx context.Context) error
}

type startStopper interface {
	starter
	stopper
}

// Goshawk is the root data structure for goshawk.
type Goshawk struct {
	output io.Writer
	args   []string

	hk     *hook.Hooks
	client *client.Client

	starters []starter
	stoppers []stopper

	waitStopCh chan os.Signal

	logger kitlog.Logger
}

// New makes a new Goshawk.
func New(output io.Writer, args []string) *Goshawk {
	return &Goshawk{
		output:     output,
		args:       args,
		waitStopCh: make(chan os.Signal, 1),
	}
}

// Run starts goshawk running, and blocks until goshawk stops.
func (g *Goshawk) Run() error {
	fs := flag.NewFlagSet("goshawk", flag.ExitOnError)
	fs.SetOutput(g.output)

	var configFile string
	var showVersion, showUsage bool

	fs.BoolVar(&showUsage, "help", false, "Show this message")
	fs.BoolVar(&showVersion, "version", false, "Print version information.")
	fs.StringVar(&configFile, "config", "config.yaml", "Configuration file path.")

	fs.Usage = func() {
		for i := range logoStr {
			_, _ = fmt.Fprintf(g.output, "%s\n", logoStr[i])
		}
		_, _ = fmt.Fprintf(g.output, "%s\n", usageStr)
	}
	_ = fs.Parse(g.args[1:])

	// print usage
	if showUsage {
		fs.Usage()
		return nil
	}
	// print version
	if showVersion {
		_, _ = fmt.Fprintf(g.output, "goshawk version: %v\n", version.Version)
		return nil
	}
	// if present, override config file url with env var
	if envCfgFile := os.Getenv(envConfigFile); len(envCfgFile) > 0 {
		configFile = envCfgFile
	}
	// load configuration
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	// init logger
	logger, err := log.NewDefaultLogger(cfg.Logger.Level, cfg.Logger.Format, cfg.Logger.OutputPath)
	if err != nil {
		return err
	}
	g.logger = logger

	level.Info(g.logger).Log("msg", "goshawk is starting...",
		"version", version.Version,
		"go_ver", runtime.Version(),
		"go_os", runtime.GOOS,
		"go_arch", runtime.GOARCH,
	)

	// init hooks
	g.hk = hook.NewHooks()

	// init client stream
	if err := g.initClient(cfg.Client); err != nil {
		return err
	}
	// init HTTP server
	g.registerStartStopper(newHTTPServer(cfg.HTTPPort, g.logger))

	if err := g.bootstrap(); err != nil {
		return err
	}
	// ...wait for stop signal to shut down
	sig := g.waitForStopSignal()
	level.Info(g.logger).Log("msg", "received stop signal... shutting down...",
		"signal", sig.String(),
	)

	return g.shutdown()
}

func (g *Goshawk) initClient(cfg ClientConfig) error {
	c, err := client.New(client.Config{
		UserJID:                cfg.JID,
		Password:               cfg.Password,
		Resource:               cfg.Resource,
		AllowedMechanisms:      cfg.AllowedMechanisms,
		EnableStreamManagement: cfg.EnableStreamManagement,
		DialTimeout:            cfg.DialTimeout,
		ConnectTimeout:         cfg.ConnectTimeout,
		RequestTimeout:         cfg.RequestTimeout,
		KeepAliveInterval:      cfg.KeepAliveInterval,
		MaxStanzaSize:          cfg.MaxStanzaSize,
	}, g.hk, g.logger)
	if err != nil {
		return err
	}
	g.client = c

	// echo back any chat message carrying a body and answer server pings
	g.client.Dispatcher().RegisterHandler(dispatcher.Match{Name: "message"}, dispatcher.DefaultPriority, g.echoMessage)
	g.client.Dispatcher().RegisterHandler(dispatcher.Match{Name: "iq", Type: "get", ChildNamespace: pingNamespace}, dispatcher.HighPriority, g.answerPing)

	g.registerStartStopper(&clientRunner{c: c})
	return nil
}

const pingNamespace = "urn:xmpp:ping"

func (g *Goshawk) echoMessage(ctx context.Context, stanza stravaganza.Stanza) (dispatcher.Result, error) {
	msg, ok := stanza.(*stravaganza.Message)
	if !ok || !msg.IsMessageWithBody() || msg.Attribute(stravaganza.Type) == stravaganza.ErrorType {
		return dispatcher.Continue, nil
	}
	level.Debug(g.logger).Log("msg", "echoing message",
		"from", msg.FromJID().String(), "stanza_id", xmpputil.MessageStanzaID(msg),
	)
	reply, err := stravaganza.NewBuilderFromElement(msg).
		WithAttribute(stravaganza.From, msg.ToJID().String()).
		WithAttribute(stravaganza.To, msg.FromJID().String()).
		BuildMessage()
	if err != nil {
		return dispatcher.Consumed, err
	}
	if err := g.client.SendStanza(ctx, reply); err != nil {
		return dispatcher.Consumed, err
	}
	return dispatcher.Consumed, nil
}

func (g *Goshawk) answerPing(ctx context.Context, stanza stravaganza.Stanza) (dispatcher.Result, error) {
	iq, ok := stanza.(*stravaganza.IQ)
	if !ok {
		return dispatcher.Continue, nil
	}
	if err := g.client.SendStanza(ctx, xmpputil.MakeResultIQ(iq, nil)); err != nil {
		return dispatcher.Consumed, err
	}
	return dispatcher.Consumed, nil
}

// clientRunner adapts the client connect/disconnect lifecycle to the
// start/stop bootstrap sequence. Initial availability presence is broadcast
// right after the stream becomes active.
type clientRunner struct {
	c *client.Client
}

func (r *clientRunner) Start(ctx context.Context) error {
	if err := r.c.Connect(ctx); err != nil {
		return err
	}
	boundJID := r.c.JID()
	pr := xmpputil.MakePresence(boundJID, boundJID.ToBareJID(), stravaganza.AvailableType, nil)
	return r.c.SendStanza(ctx, pr)
}

func (r *clientRunner) Stop(ctx context.Context) error { return r.c.Disconnect(ctx) }

func (g *Goshawk) registerStartStopper(ss startStopper) {
	g.starters = append(g.starters, ss)
	g.stoppers = append(g.stoppers, ss)
}

func (g *Goshawk) bootstrap() error {
	// spin up all service subsystems
	ctx, cancel := context.WithTimeout(context.Background(), defaultBootstrapTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		for _, s := range g.starters {
			if err := s.Start(ctx); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Goshawk) shutdown() error {
	// wait until shutdown has been completed
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		// stop all service subsystems
		for i := len(g.stoppers) - 1; i >= 0; i-- {
			if err := g.stoppers[i].Stop(ctx); err != nil {
				errCh <- err
				return
			}
		}
		level.Info(g.logger).Log("msg", "goshawk is shutting down...")
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Goshawk) waitForStopSignal() os.Signal {
	signal.Notify(g.waitStopCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	return <-g.waitStopCh
}
