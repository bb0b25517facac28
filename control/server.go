package control

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "bridgefall-control"

const (
	defaultRequestTimeout = 5 * time.Second
	defaultIdleTimeout    = 2 * time.Minute
	defaultMaxStreams     = 64
)

// ServerConfig configures the QUIC control listener.
type ServerConfig struct {
	ListenAddr     string
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	MaxStreams     int
	Logger         *slog.Logger
}

// Server accepts QUIC connections and answers one Request per stream.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	logger  *slog.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	readyCh chan struct{}
	wg      sync.WaitGroup
}

func NewServer(cfg ServerConfig, handler *Handler) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = defaultMaxStreams
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	udpConn, err := net.ListenPacket("udp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		_ = udpConn.Close()
		return err
	}
	quicConf := &quic.Config{
		MaxIncomingStreams:    int64(s.cfg.MaxStreams),
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        s.cfg.IdleTimeout,
	}
	listener, err := quic.Listen(udpConn, tlsConf, quicConf)
	if err != nil {
		_ = udpConn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = udpConn
	close(s.readyCh)
	s.mu.Unlock()
	s.logger.Info("control listening", "addr", udpConn.LocalAddr().String())

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			_ = listener.Close()
			_ = udpConn.Close()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	defer s.wg.Done()
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleStream(stream, conn.RemoteAddr())
	}
}

func (s *Server) handleStream(stream quic.Stream, remote net.Addr) {
	defer s.wg.Done()
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(s.cfg.RequestTimeout))
	var req Request
	dec := json.NewDecoder(io.LimitReader(stream, maxRequestSize))
	if err := dec.Decode(&req); err != nil {
		s.logger.Debug("control request unreadable", "remote", remote.String(), "err", err)
		_ = json.NewEncoder(stream).Encode(failure(ErrBadRequest))
		return
	}
	resp := s.handler.Handle(req)
	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		s.logger.Debug("control response failed", "remote", remote.String(), "err", err)
	}
}

func serverTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  key,
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}
