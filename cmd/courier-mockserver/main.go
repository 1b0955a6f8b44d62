// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Courier-mockserver runs the in-memory messaging backend on a real
// listener, for trying courier-tail or a client library against a
// server without one.
//
// It serves cookie login and refresh, the conversation API, and the
// realtime channel at /ws. Conversations can be seeded from flags:
//
//	courier-mockserver --listen 127.0.0.1:8080 --seed general=hello --seed general=welcome --token-for alice
//
// With --token-for, an access token for that user is printed to stdout
// once the listener is up.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/courier/lib/config"
	"github.com/bureau-foundation/courier/lib/fakeserver"
	"github.com/bureau-foundation/courier/lib/process"
	"github.com/bureau-foundation/courier/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Exit(err)
	}
}

// parseSeeds groups "conversation=body" pairs by conversation,
// preserving order.
func parseSeeds(seeds []string) (map[string][]string, []string, error) {
	bodies := make(map[string][]string)
	var order []string
	for _, seed := range seeds {
		conversation, body, ok := strings.Cut(seed, "=")
		if !ok || conversation == "" {
			return nil, nil, fmt.Errorf("--seed %q: want conversation=body", seed)
		}
		if _, seen := bodies[conversation]; !seen {
			order = append(order, conversation)
		}
		bodies[conversation] = append(bodies[conversation], body)
	}
	return bodies, order, nil
}

func run(args []string) error {
	var (
		listen      string
		seeds       []string
		tokenFor    string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("courier-mockserver", pflag.ContinueOnError)
	flags.StringVar(&listen, "listen", "127.0.0.1:8080", "address to listen on")
	flags.StringArrayVar(&seeds, "seed", nil, "conversation=body message to preload (repeatable)")
	flags.StringVar(&tokenFor, "token-for", "", "print an access token for this user at startup")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("courier-mockserver")
		return nil
	}

	byConversation, order, err := parseSeeds(seeds)
	if err != nil {
		return err
	}
	logger, err := process.NewLogger(config.LoggingConfig{Level: logLevel, Format: "auto"}, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := fakeserver.NewBackend(logger)
	for _, conversation := range order {
		backend.Seed(conversation, byConversation[conversation]...)
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(listener)
	}()

	address := listener.Addr().String()
	logger.Info("mock server running",
		"api", "http://"+address,
		"channel", "ws://"+address+fakeserver.ChannelPath,
		"conversations", order,
	)
	if tokenFor != "" {
		fmt.Println(backend.IssueToken(tokenFor))
	}

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return err
	}
	logger.Info("shutting down")

	backend.DropConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	if err := <-serveDone; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
