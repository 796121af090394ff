// Command turncored is a standalone TURN (RFC 5766) allocation daemon. It
// binds one UDP socket for client traffic, demultiplexes inbound packets by
// five-tuple into per-allocation session.Core actors, and derives each
// session's long-term credential key from a shared secret using the TURN
// REST API convention.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kuuji/turncore/internal/blacklist"
	"github.com/kuuji/turncore/internal/config"
	"github.com/kuuji/turncore/internal/control"
	"github.com/kuuji/turncore/internal/registry"
	"github.com/kuuji/turncore/internal/session"
	"github.com/kuuji/turncore/internal/transport"
	"github.com/kuuji/turncore/internal/turn"
	"github.com/kuuji/turncore/internal/wire"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	globalConfigPath  string
	globalVerbose     bool
	globalControlSock string
	globalLogger      *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "turncored",
	Short: "RFC 5766 TURN allocation daemon",
	Long: `turncored accepts TURN Allocate/Refresh/CreatePermission/ChannelBind
requests over UDP and relays client<->peer traffic for the lifetime of each
allocation.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the turncored version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running turncored's allocation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := control.FetchStatus(globalControlSock)
		if err != nil {
			return err
		}
		fmt.Printf("server:      %s\n", status.ServerName)
		fmt.Printf("listen:      %s\n", status.ListenAddr)
		fmt.Printf("realm:       %s\n", status.Realm)
		fmt.Printf("uptime:      %.0fs\n", status.UptimeSeconds)
		fmt.Printf("allocations: %d\n", status.ActiveAllocations)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&globalControlSock, "control-socket", control.ResolveSocketPath(), "path to the control socket")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := globalConfigPath
	if path == "" {
		path = config.DefaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		if globalConfigPath == "" && errors.Is(err, os.ErrNotExist) {
			globalLogger.Warn("no config file found, refusing to guess relay addresses", "path", path)
		}
		return nil, err
	}
	return cfg, nil
}

// noOpParentResolver is the daemon's default ParentResolver: turncored has
// no WebRTC peer-connection manager of its own (that collaborator lives in
// a separate signaling process per the core's design), so client->peer ICE
// traffic is logged and dropped until a real resolver is wired in.
type noOpParentResolver struct {
	log *slog.Logger
}

func (r noOpParentResolver) Resolve(port int) (session.Parent, error) {
	return nil, fmt.Errorf("turncored: no parent resolver configured for port %d", port)
}

// daemon owns the shared UDP socket and the live session table; it is the
// five-tuple demultiplexer the allocation core itself stays agnostic of.
type daemon struct {
	cfg       *config.Config
	log       *slog.Logger
	pc        net.PacketConn
	blacklist *blacklist.List
	registry  *registry.Registry
	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*session.Core
}

// status builds the control.Status snapshot. The sessions-map length is
// read under d.mu, so this is safe to call from the control server's
// HTTP handler goroutine.
func (d *daemon) status() control.Status {
	d.mu.Lock()
	active := len(d.sessions)
	d.mu.Unlock()

	return control.Status{
		ServerName:        d.cfg.Server.Name,
		ListenAddr:        d.cfg.Server.ListenAddr,
		Realm:             d.cfg.Auth.Realm,
		UptimeSeconds:     time.Since(d.startedAt).Seconds(),
		ActiveAllocations: active,
	}
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bl := blacklist.New(nil)
	if cfg.Server.BlacklistFile != "" {
		extra, err := blacklist.LoadFile(cfg.Server.BlacklistFile)
		if err != nil {
			return fmt.Errorf("loading blacklist file: %w", err)
		}
		for _, s := range extra {
			bl.Add(s)
		}
	}

	if cfg.Server.KernelSync {
		sync := blacklist.NewKernelSync(globalLogger)
		if err := sync.Apply(bl); err != nil {
			globalLogger.Error("blacklist kernel sync failed, continuing with in-process checks only", "error", err)
		} else {
			defer func() {
				if err := sync.Cleanup(); err != nil {
					globalLogger.Error("blacklist kernel sync cleanup failed", "error", err)
				}
			}()
		}
	}

	n, err := transport.NewDefaultNet()
	if err != nil {
		return fmt.Errorf("opening default net: %w", err)
	}
	pc, err := transport.ListenClientUDP(n, cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.ListenAddr, err)
	}
	defer pc.Close()

	d := &daemon{
		cfg:       cfg,
		log:       globalLogger,
		pc:        pc,
		blacklist: bl,
		registry:  registry.New(),
		startedAt: time.Now(),
		sessions:  make(map[string]*session.Core),
	}

	ctrl := control.NewServer(globalControlSock, d.status, d.log)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	defer ctrl.Stop()

	d.log.Info("turncored listening", "addr", cfg.Server.ListenAddr, "relay_ipv4", cfg.Relay.IPv4Addr, "realm", cfg.Auth.Realm)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.readLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return d.pc.Close()
	})

	if err := g.Wait(); err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// readLoop is the UDP demultiplexer: every packet is routed to the
// session.Core for its source address, creating one on first contact.
func (d *daemon) readLoop(ctx context.Context) error {
	buf := make([]byte, 1600)
	for {
		n, addr, err := d.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("reading udp: %w", err)
		}
		data := append([]byte(nil), buf[:n]...)

		core, err := d.sessionFor(ctx, addr, data)
		if err != nil {
			d.log.Debug("dropping packet: no session", "addr", addr.String(), "error", err)
			continue
		}
		core.Inbound(data)
	}
}

// sessionFor returns the session.Core for addr, creating one from the
// first packet's USERNAME attribute if this is a new client.
func (d *daemon) sessionFor(ctx context.Context, addr net.Addr, data []byte) (*session.Core, error) {
	key := addr.String()

	d.mu.Lock()
	if c, ok := d.sessions[key]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	codec := wire.Codec{}
	msg, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding first packet: %w", err)
	}
	username := msg.Username()
	if username == "" {
		return nil, errors.New("first packet carries no USERNAME")
	}

	password := turn.ExpectedPassword(d.cfg.Auth.Secret, username)
	authKey := turn.DeriveAuthKey(username, d.cfg.Auth.Realm, password)

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected address type %T", addr)
	}

	handle := transport.NewDatagramHandle(d.pc, addr)

	c := session.New(session.Config{
		SessionID:        registry.NewSessionID(),
		Username:         username,
		Realm:            d.cfg.Auth.Realm,
		AuthKey:          authKey,
		ClientAddr:       wire.Addr{IP: udpAddr.IP, Port: udpAddr.Port},
		TransportKind:    session.TransportDatagram,
		Handle:           handle,
		ServerName:       d.cfg.Server.Name,
		RelayIPv4:        net.ParseIP(d.cfg.Relay.IPv4Addr),
		RelayIPv6:        net.ParseIP(d.cfg.Relay.IPv6Addr),
		MockRelayIP:      net.ParseIP(d.cfg.Relay.MockRelayIP),
		MinPort:          d.cfg.Relay.MinPort,
		MaxPort:          d.cfg.Relay.MaxPort,
		MaxPermissions:   d.cfg.Quota.MaxPermissions,
		MaxAllocs:        d.cfg.Quota.MaxAllocs,
		Blacklist:        d.blacklist,
		Lifetime:         d.cfg.Lifetime(),
		EgressRatePerSec: 0,
		Registry:         d.registry,
		ParentResolver:   noOpParentResolver{log: d.log},
		Hooks:            session.LoggingHooks{Log: d.log},
		Log:              d.log,
	})

	d.mu.Lock()
	d.sessions[key] = c
	d.mu.Unlock()

	go func() {
		if err := c.Run(ctx); err != nil {
			d.log.Debug("session run exited", "session_id", c.SessionID(), "error", err)
		}
		d.mu.Lock()
		delete(d.sessions, key)
		d.mu.Unlock()
	}()

	return c, nil
}
