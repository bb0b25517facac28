package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	mrand "math/rand"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bridgefall/tunnel/noise"
	cborprofile "github.com/bridgefall/tunnel/profile/cbor"
)

type rng interface {
	Uint32() uint32
}

type mathRNG struct{ *mrand.Rand }

func (m mathRNG) Uint32() uint32 { return m.Rand.Uint32() }

type command struct {
	name    string
	summary string
	run     func(args []string)
}

var commands = []command{
	{"keygen", "Generate a static keypair", runKeygen},
	{"pubkey", "Derive the public key of a private key read from stdin", runPubkey},
	{"pskgen", "Generate a preshared key", runPskgen},
	{"headergen", "Generate header ranges", runHeadergen},
	{"profile-cbor", "Encode/decode profile CBOR", runProfileCBOR},
	{"create-profile", "Generate a randomized server/client profile pair", runCreateProfile},
	{"peer", "Add, remove or update peers of a running tunneld", runPeer},
	{"status", "Show device and peer status of a running tunneld", runStatus},
}

var examples = []string{
	"bf keygen",
	"bf keygen | head -1 | cut -d= -f2 | bf pubkey",
	"bf headergen -width 1024",
	"bf profile-cbor -in profile.json -out profile.cbor",
	"bf profile-cbor -decode -in profile.cbor -out profile.json",
	"bf profile-cbor -base64 < profile.json > profile.cbor.b64",
	"bf create-profile -name edge -endpoint 203.0.113.7:51820 -peer-out client.json > server.json",
	"bf peer add -addr 127.0.0.1:9100 -key <pub> -allowed-ips 10.8.0.2/32",
	"bf status -addr 127.0.0.1:9100",
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	switch name {
	case "-h", "--help", "help":
		usage()
		return
	}
	for _, cmd := range commands {
		if cmd.name == name {
			cmd.run(os.Args[2:])
			return
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command: %s\n", name)
	usage()
	os.Exit(2)
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Usage: bf <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %s\t%s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	for _, ex := range examples {
		fmt.Fprintf(w, "  %s\n", ex)
	}
	_ = w.Flush()
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	_ = fs.Parse(args)

	sk, err := noise.NewPrivateKey()
	if err != nil {
		fatalf("keygen failed: %v", err)
	}
	fmt.Printf("private_key=%s\n", sk.String())
	fmt.Printf("public_key=%s\n", sk.PublicKey().String())
}

func runPubkey(args []string) {
	fs := flag.NewFlagSet("pubkey", flag.ExitOnError)
	_ = fs.Parse(args)

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatalf("pubkey read: %v", err)
	}
	sk, err := noise.ParsePrivateKey(strings.TrimSpace(string(input)))
	if err != nil {
		fatalf("pubkey: %v", err)
	}
	fmt.Println(sk.PublicKey().String())
}

func runPskgen(args []string) {
	fs := flag.NewFlagSet("pskgen", flag.ExitOnError)
	_ = fs.Parse(args)

	psk, err := noise.NewPresharedKey()
	if err != nil {
		fatalf("pskgen failed: %v", err)
	}
	fmt.Println(psk.String())
}

func runHeadergen(args []string) {
	fs := flag.NewFlagSet("headergen", flag.ExitOnError)
	width := fs.Uint("width", 1024, "range width in uint32 units")
	lo := fs.Uint64("min", minHeaderValue, "minimum start value")
	hi := fs.Uint64("max", uint64(maxUint32), "maximum end value")
	seed := fs.Int64("seed", 0, "math/rand seed (0 = crypto seed)")
	jsonOut := fs.Bool("json", true, "output as JSON key/value lines")
	distinctMSB := fs.Bool("distinct-msb", true, "ensure distinct high-order byte per header")
	_ = fs.Parse(args)

	if *width == 0 {
		fatalf("width must be > 0")
	}
	if *hi <= *lo || *hi > uint64(maxUint32) {
		fatalf("max must be > min and fit in uint32")
	}

	r := newRNG(*seed)
	ranges, err := generateRanges(r, uint32(*width), uint32(*lo), uint32(*hi), *distinctMSB)
	if err != nil {
		fatalf("%v", err)
	}

	if *jsonOut {
		for i, hr := range ranges {
			fmt.Printf("      %q: %q,\n", fmt.Sprintf("h%d", i+1), hr.String())
		}
		return
	}
	for i, hr := range ranges {
		fmt.Printf("h%d=%s\n", i+1, hr)
	}
}

func runProfileCBOR(args []string) {
	fs := flag.NewFlagSet("profile-cbor", flag.ExitOnError)
	decode := fs.Bool("decode", false, "decode CBOR into JSON")
	inPath := fs.String("in", "", "input file (defaults to stdin)")
	outPath := fs.String("out", "", "output file (defaults to stdout)")
	base64Mode := fs.Bool("base64", false, "read/write base64-wrapped CBOR")
	_ = fs.Parse(args)

	input, err := readInput(*inPath)
	if err != nil {
		fatalf("profile-cbor read input: %v", err)
	}
	convert := encodeProfile
	if *decode {
		convert = decodeProfile
	}
	out, err := convert(input, *base64Mode)
	if err != nil {
		fatalf("profile-cbor: %v", err)
	}
	if err := writeOutput(*outPath, out); err != nil {
		fatalf("profile-cbor write output: %v", err)
	}
}

func encodeProfile(jsonData []byte, wrap bool) ([]byte, error) {
	out, err := cborprofile.EncodeJSONProfile(jsonData)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if wrap {
		out = []byte(base64.StdEncoding.EncodeToString(out))
	}
	return out, nil
}

func decodeProfile(data []byte, wrapped bool) ([]byte, error) {
	if wrapped {
		clean := strings.Join(strings.Fields(string(data)), "")
		if clean == "" {
			return nil, fmt.Errorf("empty base64 input")
		}
		raw, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		data = raw
	}
	out, err := cborprofile.DecodeCBORToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func randRange(r rng, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + int(r.Uint32()%uint32(hi-lo+1))
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func newRNG(seed int64) rng {
	if seed != 0 {
		return mathRNG{mrand.New(mrand.NewSource(seed))}
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return mathRNG{mrand.New(mrand.NewSource(time.Now().UnixNano()))}
	}
	seed = int64(binary.LittleEndian.Uint64(buf[:]))
	return mathRNG{mrand.New(mrand.NewSource(seed))}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
