// Command dimed runs a standalone DiME broker, binding one address and
// serving it until signaled to stop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dimemsg/dime"
)

func main() {
	fFlag := flag.String("f", "", "local-domain socket path (default "+dime.DefaultUnixSocketPath+")")
	addrFlag := flag.String("addr", "", "full <proto>://<hostname>[:<port>] address, overrides -f")
	logLevelFlag := flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	logPrettyFlag := flag.Bool("log-pretty", false, "render logs as human-readable console output instead of JSON")
	noiseFlag := flag.Bool("noise", false, "wrap accepted connections in Noise-protocol encryption")

	flag.Usage = printUsage
	flag.Parse()

	logger := dime.NewLogger(*logLevelFlag, *logPrettyFlag)

	addr, err := resolveAddr(*fFlag, *addrFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid address")
	}

	srv, err := dime.Listen(addr,
		dime.WithLogger(logger),
		dime.WithNoiseEncryption(*noiseFlag),
	)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr.String()).Msg("bind failed")
	}
	logger.Info().Str("addr", addr.String()).Msg("dimed listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

func resolveAddr(socketPath, rawAddr string) (*dime.Addr, error) {
	switch {
	case rawAddr != "":
		return dime.ParseAddr(rawAddr)
	case socketPath != "":
		return dime.ParseAddr("unix://" + socketPath)
	default:
		return dime.DefaultAddr(), nil
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "dimed - DiME message broker daemon")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  dimed [-f <path>] [-addr <uri>] [-log-level <level>] [-log-pretty] [-noise]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  dimed -f /tmp/dime.sock")
	fmt.Fprintln(os.Stderr, "  dimed -addr tcp://0.0.0.0:5000 -log-pretty")
}
