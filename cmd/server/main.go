// Command server runs the card-game service: it loads configuration,
// starts the TCP (and optional WebSocket) front doors, and drives the
// single-owner dispatch loop until asked to stop.
//
// Grounded on the teacher's main.go (flag parsing shape, listen(),
// fatal-on-listen-failure) and original_source/server_src/main.c (the
// config-then-flags precedence, the SIGINT/SIGTERM/stdin-quit triple,
// and the documented exit codes).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"prsi-server/internal/config"
	"prsi-server/internal/server"
	"prsi-server/internal/transport"
)

func main() {
	os.Exit(run())
}

// run implements main's body and returns the process exit code directly
// (0 clean, 1 listen failed, 2 bad argument/validation), so main itself
// stays a one-liner around os.Exit.
func run() int {
	var (
		confPath   = flag.String("c", "", "path to a config file")
		confPathL  = flag.String("config", "", "path to a config file (same as -c)")
		ip         = flag.String("ip", "", "listen address override")
		port       = flag.Int("port", 0, "listen port override")
		maxClients = flag.Int("max-clients", 0, "maximum concurrent clients override")
		maxRooms   = flag.Int("max-rooms", 0, "maximum concurrent rooms override")
		wsAddr     = flag.String("ws-addr", "", "also serve websocket clients on this address (host:port)")
		debug      = flag.Bool("debug", false, "enable verbose logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-c path] [--ip addr] [--port n] [--max-clients n] [--max-rooms n] [--ws-addr host:port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if !*debug {
		log.SetFlags(log.Ltime)
	} else {
		log.SetFlags(log.Ltime | log.Lshortfile)
	}

	cfg := config.Default()
	path := *confPath
	if path == "" {
		path = *confPathL
	}
	if path != "" {
		loaded, err := config.Load(path, cfg)
		if err != nil {
			log.Printf("config: %v", err)
			return 2
		}
		cfg = loaded
	}

	if *ip != "" {
		cfg.IP = *ip
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *maxClients != 0 {
		cfg.MaxClients = *maxClients
	}
	if *maxRooms != 0 {
		cfg.MaxRooms = *maxRooms
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("bad configuration: %v", err)
		return 2
	}

	srv := server.New(cfg.MaxClients, cfg.MaxRooms)
	srv.SetDebug(*debug)
	addr := net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port))
	if err := transport.ListenTCP(addr, srv.Accept); err != nil {
		log.Printf("listen: %v", err)
		return 1
	}
	if *wsAddr != "" {
		if err := transport.ListenWS(*wsAddr, srv.Accept); err != nil {
			log.Printf("listen (ws): %v", err)
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Print("received shutdown signal")
		cancel()
	}()
	go watchStdin(cancel)

	log.Printf("prsi-server listening on %s (max_clients=%d max_rooms=%d)", addr, cfg.MaxClients, cfg.MaxRooms)
	srv.Run(ctx)
	log.Print("shut down")
	return 0
}

// watchStdin lets an operator type quit/exit/q on the controlling
// terminal to stop the server, mirroring the original's interactive
// standard-input check alongside signal handling.
func watchStdin(cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "quit", "exit", "q":
			cancel()
			return
		}
	}
}
