package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"redisd/internal/logging"
	"redisd/internal/server"
)

const version = "0.1.0"

func main() {
	var port int
	flag.IntVar(&port, "port", 6379, "port to listen on")
	flag.IntVar(&port, "p", 6379, "port to listen on (shorthand)")

	// No short flag for -host: spec.md §6 reserves -h for --help, which
	// flag.Parse's default usage handling already provides as long as no
	// "h"/"help" flag is registered here.
	host := flag.String("host", "127.0.0.1", "host to bind to")

	replicaOf := flag.String("replicaof", "", `"<host> <port>" of a primary to replicate; empty starts as a primary`)
	logLevel := flag.String("loglevel", "info", "log level: debug, info, warn, error")

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&showVersion, "v", false, "print version and exit (shorthand)")

	flag.Parse()

	if showVersion {
		fmt.Println("redisd " + version)
		return
	}

	log := logging.New(*logLevel).WithField("component", "main")

	cfg := server.DefaultConfig()
	cfg.Host = *host
	cfg.Port = uint16(port)

	if *replicaOf != "" {
		replicaHost, replicaPort, err := parseReplicaOf(*replicaOf)
		if err != nil {
			fmt.Fprintln(os.Stderr, "redisd: --replicaof:", err)
			os.Exit(1)
		}
		cfg.ReplicaOfHost = replicaHost
		cfg.ReplicaOfPort = replicaPort
	}

	srv := server.New(cfg, log)
	if err := srv.Listen(); err != nil {
		log.WithError(err).Fatal("failed to bind listener")
	}
	log.WithField("addr", srv.Addr().String()).Info("redisd listening")

	if cfg.IsReplica() {
		go func() {
			if err := srv.ConnectToPrimary(); err != nil {
				log.WithError(err).Error("replication to primary ended")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		srv.Shutdown()
	}()

	if err := srv.Serve(); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

// parseReplicaOf splits "<host> <port>" as spec.md §6 requires.
func parseReplicaOf(s string) (host string, port uint16, err error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf(`expected "<host> <port>", got %q`, s)
	}
	p, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", fields[1], err)
	}
	return fields[0], uint16(p), nil
}
