package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"konnektsession/internal/config"
	"konnektsession/internal/diag"
	"konnektsession/internal/fpstore"
	"konnektsession/internal/identity"
	"konnektsession/internal/lobby"
	"konnektsession/internal/metrics"
	"konnektsession/internal/proto"
	"konnektsession/internal/session"
	"konnektsession/internal/transport"
	"konnektsession/internal/transport/quictransport"
	"konnektsession/internal/transport/wstransport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "host":
		return runSession(args[1:], stdout, stderr, true)
	case "join":
		return runSession(args[1:], stdout, stderr, false)
	case "relay":
		return runRelay(args[1:], stderr)
	case "backup":
		return runBackup(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: konnekt-session <host|join|relay|backup> [args]")
	fmt.Fprintln(w, "  host   --user <name> --pass <pw> --lobby <name> [--lobby-pass <pw>] [--max-guests 10] [--relay addr | --ws url] [--config file]")
	fmt.Fprintln(w, "  join   --user <name> --pass <pw> --display <name> [--lobby-pass <pw>] [--relay addr | --ws url] [--config file]")
	fmt.Fprintln(w, "  relay  --addr <ip:port>")
	fmt.Fprintln(w, "  backup export --user <name> --pass <pw>")
	fmt.Fprintln(w, "  backup import <string>")
}

type sessionFlags struct {
	user, pass         string
	lobbyName, display string
	lobbyPass          string
	maxGuests          int
	relayAddr, wsURL   string
	configPath         string
	home               string
	debug              bool
}

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".konnekt-session")
}

func parseSessionFlags(name string, args []string, stderr io.Writer, hosting bool) (*sessionFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &sessionFlags{}
	fs.StringVar(&f.user, "user", "", "identity name")
	fs.StringVar(&f.pass, "pass", "", "identity password")
	fs.StringVar(&f.lobbyPass, "lobby-pass", "", "lobby password")
	fs.StringVar(&f.relayAddr, "relay", "", "quic relay addr (host:port)")
	fs.StringVar(&f.wsURL, "ws", "", "websocket signalling url")
	fs.StringVar(&f.configPath, "config", "", "config file (yaml)")
	fs.StringVar(&f.home, "home", defaultHome(), "state directory")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	if hosting {
		fs.StringVar(&f.lobbyName, "lobby", "", "lobby name")
		fs.StringVar(&f.display, "display", "", "display name (defaults to --user)")
		fs.IntVar(&f.maxGuests, "max-guests", 10, "guest capacity (1..10)")
	} else {
		fs.StringVar(&f.display, "display", "", "display name (defaults to --user)")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.user == "" || f.pass == "" {
		return nil, fmt.Errorf("missing --user or --pass")
	}
	if hosting && f.lobbyName == "" {
		return nil, fmt.Errorf("missing --lobby")
	}
	if f.display == "" {
		f.display = f.user
	}
	return f, nil
}

func runSession(args []string, stdout, stderr io.Writer, hosting bool) int {
	name := "join"
	if hosting {
		name = "host"
	}
	f, err := parseSessionFlags(name, args, stderr, hosting)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if f.debug {
		_ = os.Setenv("KONNEKT_DEBUG", "1")
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	met := metrics.New()
	diagSrv, err := diag.StartFromEnv(met, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer diagSrv.Close()
	if f.wsURL != "" {
		cfg.SignallingURL = f.wsURL
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	kp, err := identity.Derive(f.user, f.pass)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := dialTransport(ctx, cfg, f, kp.PeerID())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctrl, err := session.New(session.Options{
		Config:    cfg,
		Keypair:   kp,
		Transport: tr,
		Metrics:   met,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer ctrl.Shutdown()

	ctrl.Subscribe(func(ev lobby.Event) {
		fmt.Fprintf(stdout, "event: %T %+v\n", ev, ev)
	})

	hosts, err := fpstore.Open(f.home)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fingerprint := identity.Fingerprint(kp.PeerID())

	var fut *session.Future
	if hosting {
		fut = ctrl.CreateLobby(f.lobbyName, f.lobbyPass, f.maxGuests, f.display)
	} else {
		// A key that hosted one of the remembered lobbies attempts reclaim.
		if hosts.Any(fingerprint) {
			ctrl.RememberHostFingerprint(fingerprint)
		}
		fut = ctrl.Join(f.display, f.lobbyPass)
	}
	if err := fut.Wait(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	snap, err := ctrl.Status()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if hosting {
		if err := hosts.Put(snap.ID, fingerprint); err != nil {
			fmt.Fprintln(stderr, err)
		}
	}
	fmt.Fprintf(stdout, "attached to lobby %s as %s (peer %s)\n", snap.ID, f.display, kp.PeerID().Hex())

	<-ctx.Done()
	return 0
}

func dialTransport(ctx context.Context, cfg config.Config, f *sessionFlags, self identity.PeerID) (transport.Transport, error) {
	enc := proto.EncodingJSON
	if cfg.Encoding == "binary" {
		enc = proto.EncodingBinary
	}
	if f.relayAddr != "" {
		return quictransport.Dial(ctx, quictransport.Config{Addr: f.relayAddr, Encoding: enc}, self)
	}
	if cfg.SignallingURL == "" {
		return nil, fmt.Errorf("need --relay, --ws or WEBSOCKET_URL")
	}
	return wstransport.Dial(wstransport.Config{URL: cfg.SignallingURL, Encoding: enc}, self)
}

func runRelay(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := quictransport.NewHub().Serve(ctx, *addr); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runBackup(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: backup <export|import>")
		return 1
	}
	switch args[0] {
	case "export":
		fs := flag.NewFlagSet("backup export", flag.ContinueOnError)
		fs.SetOutput(stderr)
		user := fs.String("user", "", "identity name")
		pass := fs.String("pass", "", "identity password")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *user == "" || *pass == "" {
			fmt.Fprintln(stderr, "missing --user or --pass")
			return 1
		}
		kp, err := identity.Derive(*user, *pass)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer kp.Destroy()
		backup, err := kp.ExportBackup()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, backup)
		return 0
	case "import":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "usage: backup import <string>")
			return 1
		}
		kp, err := identity.ImportBackup(args[1])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer kp.Destroy()
		fmt.Fprintln(stdout, kp.PeerID().Hex())
		return 0
	default:
		fmt.Fprintln(stderr, "usage: backup <export|import>")
		return 1
	}
}
