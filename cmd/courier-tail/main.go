// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Courier-tail follows conversations on a messaging server and prints
// their events as they arrive, along with connection state changes.
//
//	courier-tail --config courier.yaml --token-file token.txt -c general -c random
//
// The bearer token comes from --token-file, or from stdin with "-"
// (prompted without echo on a terminal). The process exits when
// interrupted or when the server ends the session.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/courier/dispatch"
	"github.com/bureau-foundation/courier/lib/config"
	"github.com/bureau-foundation/courier/lib/process"
	"github.com/bureau-foundation/courier/lib/secret"
	"github.com/bureau-foundation/courier/lib/version"
	"github.com/bureau-foundation/courier/payload"
	"github.com/bureau-foundation/courier/realtime"
	"github.com/bureau-foundation/courier/timeline"
)

var errSessionLost = errors.New("session lost; log in again and restart")

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Exit(err)
	}
}

type options struct {
	configPath    string
	serverURL     string
	channelURL    string
	tokenFile     string
	conversations []string
	history       int
	raw           bool
	noColor       bool
	verbose       bool
	showVersion   bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("courier-tail", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "config file (default $"+config.EnvVar+")")
	flags.StringVar(&opts.serverURL, "server", "", "REST API base URL, overriding the config file")
	flags.StringVar(&opts.channelURL, "channel-url", "", "websocket URL, overriding the config file")
	flags.StringVar(&opts.tokenFile, "token-file", "", `file holding the bearer token, or "-" for stdin (required)`)
	flags.StringSliceVarP(&opts.conversations, "conversation", "c", nil, "conversation to follow (repeatable)")
	flags.IntVar(&opts.history, "history", 20, "messages of history to print per conversation (0 disables)")
	flags.BoolVar(&opts.raw, "raw", false, "print message bodies as sent, without decoding")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if opts.serverURL != "" {
		cfg.Server.BaseURL = opts.serverURL
	}
	if opts.channelURL != "" {
		cfg.Server.ChannelURL = opts.channelURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		version.Print("courier-tail")
		return nil
	}
	if opts.tokenFile == "" {
		return fmt.Errorf("--token-file is required")
	}
	if len(opts.conversations) == 0 {
		return fmt.Errorf("at least one --conversation is required")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := process.NewLogger(cfg.Logging, opts.verbose)
	if err != nil {
		return err
	}
	codec, err := payload.FromConfig(cfg.Payload)
	if err != nil {
		return err
	}
	if closer, ok := codec.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(signalCtx)
	defer cancel(nil)

	sessionConfig, err := realtime.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	sessionConfig.UserAgent = "courier-tail/" + version.Version
	sessionConfig.OnLogout = func() { cancel(errSessionLost) }
	session, err := realtime.New(sessionConfig)
	if err != nil {
		return err
	}
	defer session.Shutdown()

	token, err := readToken(opts.tokenFile, os.Stdin)
	if err != nil {
		return err
	}
	err = session.Login(token.String())
	token.Close()
	if err != nil {
		return err
	}

	messages, err := session.OpenTimeline(timeline.Config{
		Codec:          codec,
		PendingTimeout: cfg.Reconcile.PendingTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer messages.Close()

	if opts.noColor {
		color.NoColor = true
	}
	out := newPrinter(os.Stdout, codec, opts.raw)
	session.Observe(out.transition)
	session.On(dispatch.AnyEvent, out.event)

	for _, conversationID := range opts.conversations {
		if opts.history > 0 {
			if err := messages.Load(ctx, conversationID); err != nil {
				return fmt.Errorf("loading %s: %w", conversationID, err)
			}
			list, _ := messages.Messages(conversationID)
			out.history(conversationID, list[max(0, len(list)-opts.history):])
		}
		if err := session.Subscribe(timeline.Channel(conversationID)); err != nil {
			return err
		}
	}

	if err := session.Connect(); err != nil {
		return err
	}
	go messages.Run(ctx, cfg.Reconcile.SweepInterval.Std())
	logger.Info("following conversations", "conversations", opts.conversations, "server", cfg.Server.BaseURL)

	<-ctx.Done()
	if cause := context.Cause(ctx); errors.Is(cause, errSessionLost) {
		return cause
	}
	logger.Info("shutting down")
	return nil
}

// readToken loads the bearer token. From an interactive stdin it
// prompts without echo.
func readToken(path string, stdin *os.File) (*secret.Buffer, error) {
	if path == "-" && term.IsTerminal(int(stdin.Fd())) {
		fmt.Fprint(os.Stderr, "token: ")
		typed, err := term.ReadPassword(int(stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		return secret.NewFromBytes(typed)
	}
	return secret.ReadFile(path)
}
