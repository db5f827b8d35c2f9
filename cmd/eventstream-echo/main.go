// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// eventstream-echo calls the echo test service served by eventstreamd.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	"github.com/juju/eventstream/internal/echotest"
	"github.com/juju/eventstream/internal/ipcconfig"
	"github.com/juju/eventstream/rpc"
	"github.com/juju/eventstream/rpc/ipcauth"
	"github.com/juju/eventstream/rpc/wsstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(Main(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// Main runs the command, returning the exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := &echoCommand{}
	flags := gnuflag.NewFlagSet("eventstream-echo", gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.SetFlags(flags)
	if err := flags.Parse(true, args); err != nil {
		return 2
	}
	if err := cmd.Init(flags.Args()); err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 2
	}
	if err := cmd.Run(ctx, stdout); err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 1
	}
	return 0
}

type echoCommand struct {
	network  string
	address  string
	path     string
	token    string
	attempts int
	timeout  time.Duration
	stream   bool
	logging  string

	messages []string
}

// SetFlags registers the command's flags.
func (c *echoCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.network, "network", ipcconfig.NetworkUnix, "unix, tcp or websocket")
	f.StringVar(&c.address, "address", "", "socket path or host:port of the server")
	f.StringVar(&c.path, "path", ipcconfig.DefaultPath, "websocket path")
	f.StringVar(&c.token, "token", "", "auth token")
	f.IntVar(&c.attempts, "attempts", 5, "connection attempts")
	f.DurationVar(&c.timeout, "timeout", 30*time.Second, "give up after this long")
	f.BoolVar(&c.stream, "stream", false, "send the messages as stream events")
	f.StringVar(&c.logging, "logging-config", "<root>=WARNING", "loggo configuration")
}

// Init checks the arguments.
func (c *echoCommand) Init(args []string) error {
	if c.address == "" {
		return errors.New("--address is required")
	}
	switch c.network {
	case ipcconfig.NetworkUnix, ipcconfig.NetworkTCP, ipcconfig.NetworkWebsocket:
	default:
		return errors.NotValidf("network %q", c.network)
	}
	if len(args) == 0 {
		return errors.New("no message specified")
	}
	c.messages = args
	return errors.Trace(loggo.ConfigureLoggers(c.logging))
}

func (c *echoCommand) dial(ctx context.Context) (rpc.Transport, error) {
	if c.network == ipcconfig.NetworkWebsocket {
		conn, err := wsstream.Dial(ctx, "ws://"+c.address+c.path, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return conn, nil
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, c.network, c.address)
}

// Run connects and echoes the messages, printing each reply.
func (c *echoCommand) Run(ctx context.Context, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	m, err := echotest.Model()
	if err != nil {
		return errors.Trace(err)
	}
	conn, err := rpc.Dial(ctx, rpc.DialConfig{
		Dial: c.dial,
		Client: rpc.ClientConfig{
			Model:          m,
			ConnectMessage: ipcauth.ConnectMessage(c.token),
		},
		Attempts: c.attempts,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	client := echotest.NewClient(conn)
	if c.stream {
		return errors.Trace(c.runStream(ctx, client, stdout))
	}
	for _, text := range c.messages {
		text := text
		reply, err := client.EchoMessage(ctx, &echotest.MessageData{StringMessage: &text})
		if err != nil {
			return errors.Trace(err)
		}
		if reply != nil && reply.StringMessage != nil {
			fmt.Fprintln(stdout, *reply.StringMessage)
		}
	}
	return nil
}

// runStream sends every message, then "close", on one stream and
// prints the echoes until the server closes it.
func (c *echoCommand) runStream(ctx context.Context, client *echotest.Client, stdout io.Writer) error {
	closed := make(chan struct{})
	streamErr := make(chan error, 1)
	cc, err := client.EchoStreamMessages(ctx, rpc.StreamHandlerFuncs{
		Event: func(event any) {
			if data, ok := event.(*echotest.MessageData); ok && data.StringMessage != nil {
				if !strings.EqualFold(*data.StringMessage, "close") {
					fmt.Fprintln(stdout, *data.StringMessage)
				}
			}
		},
		Error: func(err error) bool {
			streamErr <- err
			return true
		},
		Closed: func() { close(closed) },
	})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := cc.Response().Wait(ctx); err != nil {
		return errors.Trace(err)
	}
	for _, text := range append(c.messages, "close") {
		text := text
		if _, err := cc.SendStreamEvent(&echotest.MessageData{StringMessage: &text}).Wait(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	select {
	case <-closed:
	case err := <-streamErr:
		return errors.Trace(err)
	case <-ctx.Done():
		cc.Close()
		return errors.Trace(ctx.Err())
	}
	select {
	case err := <-streamErr:
		return errors.Trace(err)
	default:
		return nil
	}
}
