package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bridgefall/tunnel/commons/config"
	"github.com/bridgefall/tunnel/control"
	"github.com/bridgefall/tunnel/profile"
)

type controlFlags struct {
	addr    *string
	token   *string
	timeout *time.Duration
}

func addControlFlags(fs *flag.FlagSet) controlFlags {
	return controlFlags{
		addr:    fs.String("addr", "127.0.0.1:9100", "tunneld control address"),
		token:   fs.String("token", os.Getenv("BF_CONTROL_TOKEN"), "control token (defaults to $BF_CONTROL_TOKEN)"),
		timeout: fs.Duration("timeout", 5*time.Second, "request timeout"),
	}
}

func (c controlFlags) dial() (*control.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	client, err := control.Dial(ctx, *c.addr, *c.token)
	if err != nil {
		cancel()
		fatalf("dial %s: %v", *c.addr, err)
	}
	return client, ctx, cancel
}

func peerUsage() {
	fmt.Fprintln(os.Stderr, "Usage: bf peer <add|remove|set-ips|set-endpoint|stats> [options]")
}

func runPeer(args []string) {
	if len(args) < 1 {
		peerUsage()
		os.Exit(2)
	}
	fs := flag.NewFlagSet("peer "+args[0], flag.ExitOnError)
	cf := addControlFlags(fs)
	key := fs.String("key", "", "peer public key (base64)")

	switch args[0] {
	case "add":
		psk := fs.String("psk", "", "preshared key (base64)")
		endpoint := fs.String("endpoint", "", "peer endpoint (host:port)")
		allowed := fs.String("allowed-ips", "", "comma separated allowed prefixes")
		keepalive := fs.Duration("keepalive", 0, "persistent keepalive interval")
		_ = fs.Parse(args[1:])
		requireKey(*key)
		client, ctx, cancel := cf.dial()
		defer cancel()
		defer client.Close()
		err := client.AddPeer(ctx, profile.PeerProfile{
			PublicKey:           *key,
			PresharedKey:        *psk,
			Endpoint:            *endpoint,
			AllowedIPs:          splitList(*allowed),
			PersistentKeepalive: config.Duration{Duration: *keepalive},
		})
		if err != nil {
			fatalf("peer add: %v", err)
		}
	case "remove":
		_ = fs.Parse(args[1:])
		requireKey(*key)
		client, ctx, cancel := cf.dial()
		defer cancel()
		defer client.Close()
		if err := client.RemovePeer(ctx, *key); err != nil {
			fatalf("peer remove: %v", err)
		}
	case "set-ips":
		allowed := fs.String("allowed-ips", "", "comma separated allowed prefixes (empty clears)")
		_ = fs.Parse(args[1:])
		requireKey(*key)
		client, ctx, cancel := cf.dial()
		defer cancel()
		defer client.Close()
		if err := client.SetAllowedIPs(ctx, *key, splitList(*allowed)); err != nil {
			fatalf("peer set-ips: %v", err)
		}
	case "set-endpoint":
		endpoint := fs.String("endpoint", "", "peer endpoint (host:port)")
		_ = fs.Parse(args[1:])
		requireKey(*key)
		client, ctx, cancel := cf.dial()
		defer cancel()
		defer client.Close()
		if err := client.SetEndpoint(ctx, *key, *endpoint); err != nil {
			fatalf("peer set-endpoint: %v", err)
		}
	case "stats":
		_ = fs.Parse(args[1:])
		requireKey(*key)
		client, ctx, cancel := cf.dial()
		defer cancel()
		defer client.Close()
		stats, err := client.PeerStats(ctx, *key)
		if err != nil {
			fatalf("peer stats: %v", err)
		}
		printJSON(stats)
	default:
		fmt.Fprintf(os.Stderr, "unknown peer command: %s\n", args[0])
		peerUsage()
		os.Exit(2)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addControlFlags(fs)
	_ = fs.Parse(args)

	client, ctx, cancel := cf.dial()
	defer cancel()
	defer client.Close()
	status, err := client.Status(ctx)
	if err != nil {
		fatalf("status: %v", err)
	}
	printJSON(status)
}

func requireKey(key string) {
	if key == "" {
		fatalf("-key is required")
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode: %v", err)
	}
	if err := writeOutput("", out); err != nil {
		fatalf("write: %v", err)
	}
}
