package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bridgefall/tunnel/commons/logger"
	"github.com/bridgefall/tunnel/conn"
	"github.com/bridgefall/tunnel/control"
	"github.com/bridgefall/tunnel/device"
	"github.com/bridgefall/tunnel/profile"
	"github.com/bridgefall/tunnel/tun"
)

func main() {
	profilePath := flag.String("profile", "", "path to JSON or YAML profile")
	privateKeyFile := flag.String("private-key-file", "", "path to file containing the private key (base64)")
	logLevel := flag.String("log-level", "", "log level (debug|info|warn|error); overrides the profile")
	logFormat := flag.String("log-format", "", "log format (text|json); overrides the profile")
	metricsInterval := flag.Duration("metrics-interval", 30*time.Second, "counter log interval (0s to disable)")
	flag.Parse()

	if *profilePath == "" {
		fmt.Fprintln(os.Stderr, "config error: --profile is required")
		os.Exit(2)
	}
	p, err := profile.Load(*profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := resolvePrivateKey(&p, *privateKeyFile); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level, format := p.Log.Level, p.Log.Format
	if *logLevel != "" {
		level = *logLevel
	}
	if *logFormat != "" {
		format = *logFormat
	}
	log := logger.New(os.Stderr, level, format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, p, log, *metricsInterval); err != nil {
		log.Error("tunneld stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p profile.Profile, log *slog.Logger, metricsInterval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := p.DeviceConfig(log)
	if err != nil {
		return err
	}
	peers, err := p.PeerConfigs()
	if err != nil {
		return err
	}

	name := p.Interface
	if name == "" {
		name = "bf0"
	}
	mtu := p.MTU
	if mtu <= 0 {
		mtu = tun.DefaultMTU
	}
	tunDev, err := tun.OpenWater(name, mtu)
	if err != nil {
		return fmt.Errorf("open tun %s: %w", name, err)
	}

	dev, err := device.NewDevice(cfg, tunDev, conn.NewUDPBind(conn.DefaultBatchSize))
	if err != nil {
		_ = tunDev.Close()
		return err
	}
	defer dev.Close()

	for _, peer := range peers {
		if err := dev.AddPeer(peer); err != nil {
			return fmt.Errorf("add peer %s: %w", peer.PublicKey.Short(), err)
		}
	}
	if err := dev.Up(); err != nil {
		return err
	}
	log.Info("tunnel up",
		"interface", tunDev.Name(),
		"mtu", mtu,
		"port", dev.Port(),
		"public_key", dev.PublicKey().String(),
		"peers", len(peers),
	)

	handler := control.NewHandler(dev, p.Control.Token, log.With("component", "control"))
	if p.Control.Token == "" && (p.Control.Listen != "" || p.Control.StatsListen != "") {
		log.Warn("control channel has no token; any client that can reach it may reconfigure peers")
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	if p.Control.Listen != "" {
		srv := control.NewServer(control.ServerConfig{
			ListenAddr: p.Control.Listen,
			Logger:     log.With("component", "control"),
		}, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				errCh <- fmt.Errorf("control server: %w", err)
			}
		}()
		go func() {
			select {
			case <-srv.Ready():
				log.Info("control listening", "addr", srv.Addr())
			case <-ctx.Done():
			}
		}()
	}
	if p.Control.StatsListen != "" {
		httpSrv := &http.Server{
			Addr:              p.Control.StatsListen,
			Handler:           handler.StatsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			log.Info("stats listening", "addr", p.Control.StatsListen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("stats server: %w", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}
	if metricsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logMetrics(ctx, dev, log, metricsInterval)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		err = nil
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	return err
}

func logMetrics(ctx context.Context, dev *device.Device, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counters := dev.Metrics().Snapshot()
			attrs := make([]any, 0, 2*len(counters)+4)
			for _, key := range []string{"rx_datagrams", "tx_datagrams", "rx_bytes", "tx_bytes", "handshakes_completed", "junk_sent", "decoy_sent"} {
				attrs = append(attrs, key, counters[key])
			}
			var drops uint64
			for _, n := range dev.Metrics().Drops.Snapshot() {
				drops += n
			}
			attrs = append(attrs, "drops", drops, "under_load", dev.IsUnderLoad())
			log.Info("metrics", attrs...)
		}
	}
}

func resolvePrivateKey(p *profile.Profile, keyFile string) error {
	if p.PrivateKey != "" {
		return nil
	}
	if envVal := strings.TrimSpace(os.Getenv("BF_PRIVATE_KEY")); envVal != "" {
		p.PrivateKey = envVal
		return nil
	}
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read private key file: %w", err)
		}
		val := strings.TrimSpace(string(data))
		if val == "" {
			return fmt.Errorf("private key file empty")
		}
		p.PrivateKey = val
		return nil
	}
	return fmt.Errorf("private key required (set profile private_key, BF_PRIVATE_KEY, or --private-key-file)")
}
