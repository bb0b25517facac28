package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bridgefall/tunnel/profile"
	"github.com/quic-go/quic-go"
)

// Client talks to a control Server. It is safe for concurrent use; each
// call opens its own stream.
type Client struct {
	conn    quic.Connection
	token   string
	timeout time.Duration
}

// Dial connects to the control listener at addr. The server certificate is
// self-signed and not verified; access is guarded by the token.
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
	quicConf := &quic.Config{
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: -1,
		KeepAlivePeriod:       15 * time.Second,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, token: token, timeout: defaultRequestTimeout}, nil
}

func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "")
}

// Do sends req and waits for the response. A response with OK unset is
// returned together with a *RemoteError.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	req.Token = c.token
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return Response{}, err
	}
	defer stream.CancelRead(0)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if err := json.NewEncoder(stream).Encode(req); err != nil {
		return Response{}, err
	}
	if err := stream.Close(); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.NewDecoder(io.LimitReader(stream, maxResponseSize)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("control: read response: %w", err)
	}
	if !resp.OK {
		return resp, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

func (c *Client) AddPeer(ctx context.Context, peer profile.PeerProfile) error {
	_, err := c.Do(ctx, Request{Op: OpAddPeer, Peer: &peer})
	return err
}

func (c *Client) RemovePeer(ctx context.Context, publicKey string) error {
	_, err := c.Do(ctx, Request{Op: OpRemovePeer, PublicKey: publicKey})
	return err
}

func (c *Client) SetAllowedIPs(ctx context.Context, publicKey string, allowedIPs []string) error {
	_, err := c.Do(ctx, Request{Op: OpSetAllowedIPs, PublicKey: publicKey, AllowedIPs: allowedIPs})
	return err
}

func (c *Client) SetEndpoint(ctx context.Context, publicKey, endpoint string) error {
	_, err := c.Do(ctx, Request{Op: OpSetEndpoint, PublicKey: publicKey, Endpoint: endpoint})
	return err
}

func (c *Client) PeerStats(ctx context.Context, publicKey string) (PeerStatus, error) {
	resp, err := c.Do(ctx, Request{Op: OpPeerStats, PublicKey: publicKey})
	if err != nil {
		return PeerStatus{}, err
	}
	if resp.Peer == nil {
		return PeerStatus{}, fmt.Errorf("control: response without peer")
	}
	return *resp.Peer, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.Do(ctx, Request{Op: OpStatus})
	if err != nil {
		return Status{}, err
	}
	if resp.Status == nil {
		return Status{}, fmt.Errorf("control: response without status")
	}
	return *resp.Status, nil
}
