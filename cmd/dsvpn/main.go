// Package main is the CLI entry point for dsvpn: a point-to-point
// layer-3 VPN that runs as either the "server" or "client" role over a
// single long-lived TCP connection.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dsvpn-go/dsvpn/internal/config"
	"github.com/dsvpn-go/dsvpn/internal/eventloop"
	"github.com/dsvpn-go/dsvpn/internal/handshake"
	"github.com/dsvpn-go/dsvpn/internal/logging"
	"github.com/dsvpn-go/dsvpn/internal/metrics"
	"github.com/dsvpn-go/dsvpn/internal/netsetup"
	"github.com/dsvpn-go/dsvpn/internal/reconnect"
	"github.com/dsvpn-go/dsvpn/internal/server"
	"github.com/dsvpn-go/dsvpn/internal/session"
	"github.com/dsvpn-go/dsvpn/internal/sockopt"
	"github.com/dsvpn-go/dsvpn/internal/tundev"
)

// Version is set at build time via ldflags.
var Version = "dev"

type sharedFlags struct {
	pskPath    string
	pskStdin   bool
	logLevel   string
	logFormat  string
	debugAddr  string
	keepalive  time.Duration
	mtu        int
	noNetsetup bool
}

func main() {
	var flags sharedFlags

	root := &cobra.Command{
		Use:     "dsvpn",
		Short:   "A point-to-point encrypted layer-3 tunnel",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&flags.pskPath, "psk", "", "path to the pre-shared key file (64 hex characters)")
	root.PersistentFlags().BoolVar(&flags.pskStdin, "psk-stdin", false, "read the pre-shared key interactively from the terminal instead of --psk")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn, or error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "text or json")
	root.PersistentFlags().StringVar(&flags.debugAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	root.PersistentFlags().DurationVar(&flags.keepalive, "keepalive", eventloop.DefaultKeepaliveInterval, "interval between idle keepalive frames")
	root.PersistentFlags().IntVar(&flags.mtu, "mtu", eventloop.DefaultMTU, "maximum tunnel packet size")
	root.PersistentFlags().BoolVar(&flags.noNetsetup, "no-netsetup", false, "skip running address/route/firewall setup commands")

	root.AddCommand(serverCmd(&flags))
	root.AddCommand(clientCmd(&flags))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serverCmd(flags *sharedFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "server <if_name|auto> <host>:<port> <ext_if|auto> <local_tun_ip> <remote_tun_ip>",
		Short: "Run as the listening side of the tunnel",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(flags, config.RoleServer, args)
			if err != nil {
				return err
			}
			return runServer(cfg, flags)
		},
	}
}

func clientCmd(flags *sharedFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "client <if_name|auto> <host>:<port> <ext_if|auto> <local_tun_ip> <remote_tun_ip> [<ext_gw_ip>]",
		Short: "Run as the connecting side of the tunnel",
		Args:  cobra.RangeArgs(5, 6),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(flags, config.RoleClient, args)
			if err != nil {
				return err
			}
			return runClient(cfg, flags)
		},
	}
}

func buildConfig(flags *sharedFlags, role config.Role, args []string) (*config.Config, error) {
	pskPath := flags.pskPath
	if flags.pskStdin {
		path, err := readPSKFromTerminal()
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		pskPath = path
	}
	if pskPath == "" {
		return nil, errors.New("one of --psk or --psk-stdin is required")
	}

	p := config.Params{
		IfName:      args[0],
		Addr:        args[1],
		ExtIfName:   args[2],
		LocalTunIP:  args[3],
		RemoteTunIP: args[4],
	}
	if len(args) == 6 {
		p.ExtGwIP = args[5]
	}

	return config.New(pskPath, role, p)
}

// readPSKFromTerminal prompts for a hex PSK without echoing it, then
// writes it to a private temp file so the rest of the pipeline can keep
// using config.LoadPSK's file-based contract uniformly.
func readPSKFromTerminal() (string, error) {
	fmt.Fprint(os.Stderr, "Pre-shared key (hex): ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read PSK from terminal: %w", err)
	}

	text := strings.TrimSpace(string(raw))
	if _, err := hex.DecodeString(text); err != nil {
		return "", fmt.Errorf("PSK is not valid hex: %w", err)
	}

	f, err := os.CreateTemp("", "dsvpn-psk-*")
	if err != nil {
		return "", fmt.Errorf("create temp PSK file: %w", err)
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		return "", err
	}
	if _, err := f.WriteString(text); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func runServer(cfg *config.Config, flags *sharedFlags) error {
	logger := logging.NewLogger(flags.logLevel, flags.logFormat)
	m := metrics.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maybeServeMetrics(ctx, flags.debugAddr, logger)

	tun, err := tundev.Create(tundev.Config{NameHint: cfg.IfName})
	if err != nil {
		return fmt.Errorf("create tunnel device: %w", err)
	}
	defer tun.Close()
	logger.Info("tunnel device ready", logging.KeyDevice, tun.Name())

	runner := serverNetsetup(logger)
	vars := buildVars(cfg, tun.Name())
	if !flags.noNetsetup {
		if err := runner.Apply(ctx, vars); err != nil {
			return fmt.Errorf("apply network setup: %w", err)
		}
		defer runner.Teardown(context.Background(), vars)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	defer ln.Close()
	logger.Info("listening",
		logging.KeyLocalAddr, cfg.Addr,
		"mtu", humanize.Bytes(uint64(flags.mtu)),
	)

	hs := handshake.New(cfg.PSK, handshake.DefaultTimeout)
	loopOpts := eventloop.Options{KeepaliveInterval: flags.keepalive, MTU: flags.mtu}
	loop := eventloop.New(loopOpts, m, logger)
	mgr := server.New(ln, tun, hs, loop, m, logger)

	err = mgr.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server shut down cleanly")
	return nil
}

func runClient(cfg *config.Config, flags *sharedFlags) error {
	logger := logging.NewLogger(flags.logLevel, flags.logFormat)
	m := metrics.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maybeServeMetrics(ctx, flags.debugAddr, logger)

	tun, err := tundev.Create(tundev.Config{NameHint: cfg.IfName})
	if err != nil {
		return fmt.Errorf("create tunnel device: %w", err)
	}
	defer tun.Close()
	logger.Info("tunnel device ready", logging.KeyDevice, tun.Name())

	runner := clientNetsetup(logger)
	vars := buildVars(cfg, tun.Name())
	if !flags.noNetsetup {
		if err := runner.Apply(ctx, vars); err != nil {
			return fmt.Errorf("apply network setup: %w", err)
		}
		defer runner.Teardown(context.Background(), vars)
	}

	hs := handshake.New(cfg.PSK, handshake.DefaultTimeout)
	loopOpts := eventloop.Options{KeepaliveInterval: flags.keepalive, MTU: flags.mtu}
	loop := eventloop.New(loopOpts, m, logger)
	ctrl := reconnect.New(reconnect.Config{}, m, logger)

	connect := func(ctx context.Context) error {
		conn, err := net.DialTimeout("tcp", cfg.Addr, 10*time.Second)
		if err != nil {
			logger.Warn("dial failed", logging.KeyRemoteAddr, cfg.Addr, logging.KeyError, err)
			return err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := sockopt.Tune(tcpConn, sockopt.DefaultOptions()); err != nil {
				logger.Warn("socket tuning failed", logging.KeyError, err)
			}
		}
		defer conn.Close()

		hsStart := time.Now()
		hsCtx, cancel := context.WithTimeout(ctx, handshake.DefaultTimeout)
		result, err := hs.Dial(hsCtx, conn)
		cancel()
		if err != nil {
			logger.Warn("handshake failed", logging.KeyRemoteAddr, cfg.Addr, logging.KeyError, err)
			if m != nil {
				m.RecordHandshakeFailure("client")
			}
			return err
		}

		sess := session.New(conn, tun, result)
		logger.Info("session established", logging.KeyRemoteAddr, cfg.Addr)
		if m != nil {
			m.RecordSessionLive(time.Since(hsStart).Seconds())
		}

		err = loop.Run(ctx, sess)
		logger.Info("session ended", logging.KeyRemoteAddr, cfg.Addr, logging.KeyError, err)
		return err
	}

	err = ctrl.Run(ctx, connect)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("client shut down cleanly")
	return nil
}

func maybeServeMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", logging.KeyError, err)
		}
	}()
}

func buildVars(cfg *config.Config, ifName string) netsetup.Vars {
	return netsetup.Vars{
		IfName:      ifName,
		LocalTunIP:  cfg.LocalTunIP,
		RemoteTunIP: cfg.RemoteTunIP,
		ExtIfName:   cfg.ExtIfName,
		ExtIP:       "",
		ExtGwIP:     cfg.ExtGwIP,
	}
}

// serverNetsetup returns the default Linux address/NAT/forwarding
// commands for the listening side, grounded on the reference
// implementation's firewall_rules_cmds(is_server=1).
func serverNetsetup(logger *slog.Logger) *netsetup.Runner {
	up := []netsetup.Command{
		{Name: "sysctl", Args: []string{"net.ipv4.ip_forward=1"}},
		{Name: "ip", Args: splitArgs("addr add $LOCAL_TUN_IP peer $REMOTE_TUN_IP dev $IF_NAME")},
		{Name: "ip", Args: splitArgs("link set dev $IF_NAME up")},
		{Name: "iptables", Args: splitArgs("-t nat -A POSTROUTING -o $EXT_IF_NAME -s $REMOTE_TUN_IP -j MASQUERADE")},
		{Name: "iptables", Args: splitArgs("-t filter -A FORWARD -i $EXT_IF_NAME -o $IF_NAME -m state --state RELATED,ESTABLISHED -j ACCEPT")},
		{Name: "iptables", Args: splitArgs("-t filter -A FORWARD -i $IF_NAME -o $EXT_IF_NAME -j ACCEPT")},
	}
	down := []netsetup.Command{
		{Name: "iptables", Args: splitArgs("-t nat -D POSTROUTING -o $EXT_IF_NAME -s $REMOTE_TUN_IP -j MASQUERADE")},
		{Name: "iptables", Args: splitArgs("-t filter -D FORWARD -i $EXT_IF_NAME -o $IF_NAME -m state --state RELATED,ESTABLISHED -j ACCEPT")},
		{Name: "iptables", Args: splitArgs("-t filter -D FORWARD -i $IF_NAME -o $EXT_IF_NAME -j ACCEPT")},
	}
	return netsetup.New(up, down, logger)
}

// clientNetsetup returns the default Linux address/route commands for
// the connecting side, grounded on the reference implementation's
// firewall_rules_cmds(is_server=0) Linux branch.
func clientNetsetup(logger *slog.Logger) *netsetup.Runner {
	up := []netsetup.Command{
		{Name: "ip", Args: splitArgs("link set dev $IF_NAME up")},
		{Name: "ip", Args: splitArgs("addr add $LOCAL_TUN_IP peer $REMOTE_TUN_IP dev $IF_NAME")},
		{Name: "ip", Args: splitArgs("route add 0/1 via $REMOTE_TUN_IP")},
		{Name: "ip", Args: splitArgs("route add 128/1 via $REMOTE_TUN_IP")},
	}
	down := []netsetup.Command{
		{Name: "ip", Args: splitArgs("route del 0/1 via $REMOTE_TUN_IP")},
		{Name: "ip", Args: splitArgs("route del 128/1 via $REMOTE_TUN_IP")},
	}
	return netsetup.New(up, down, logger)
}

func splitArgs(s string) []string {
	return strings.Fields(s)
}

func init() {
	cobra.EnableCommandSorting = false
}
