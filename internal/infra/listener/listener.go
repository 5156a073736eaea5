// Package listener 解析 unix://、vsock:// 与 TCP 端点，供守护进程监听与 CLI 拨号共用。
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Network 是端点的传输类型。
type Network string

const (
	NetworkTCP   Network = "tcp"
	NetworkUnix  Network = "unix"
	NetworkVsock Network = "vsock"
)

// Endpoint 是解析后的端点。vsock 的 Address 为 "cid:port"（拨号）或 "port"（监听）。
type Endpoint struct {
	Network Network
	Address string
}

func (e Endpoint) String() string {
	if e.Network == NetworkTCP {
		return e.Address
	}
	return string(e.Network) + "://" + e.Address
}

// Parse 解析端点字符串，未带 scheme 的视为 TCP。
func Parse(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, errors.New("empty endpoint")
	}
	for _, prefix := range []struct {
		scheme  string
		network Network
	}{
		{"unix://", NetworkUnix},
		{"unix:", NetworkUnix},
		{"vsock://", NetworkVsock},
		{"vsock:", NetworkVsock},
	} {
		if strings.HasPrefix(raw, prefix.scheme) {
			addr := strings.TrimPrefix(raw, prefix.scheme)
			if addr == "" {
				return Endpoint{}, fmt.Errorf("invalid endpoint: %s", raw)
			}
			return Endpoint{Network: prefix.network, Address: addr}, nil
		}
	}
	return Endpoint{Network: NetworkTCP, Address: raw}, nil
}

// Listen 在端点上监听。unix socket 文件若已存在会先删除。
func Listen(raw string) (net.Listener, error) {
	ep, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	switch ep.Network {
	case NetworkUnix:
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", ep.Address)
	case NetworkVsock:
		port, err := vsockListenPort(ep.Address)
		if err != nil {
			return nil, err
		}
		return vsock.Listen(port, nil)
	default:
		return net.Listen("tcp", ep.Address)
	}
}

func vsockListenPort(addr string) (uint32, error) {
	// 监听时允许写成 cid:port，cid 被忽略。
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[idx+1:]
	}
	port, err := strconv.ParseUint(addr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid vsock port: %w", err)
	}
	return uint32(port), nil
}

// Dial 按端点类型拨号。
func Dial(ctx context.Context, raw string) (net.Conn, error) {
	ep, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	switch ep.Network {
	case NetworkUnix:
		return (&net.Dialer{}).DialContext(ctx, "unix", ep.Address)
	case NetworkVsock:
		return dialVsock(ctx, ep.Address)
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", ep.Address)
	}
}

func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	parts := strings.Split(target, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	cid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vsock cid: %w", err)
	}
	port, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vsock port: %w", err)
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(uint32(cid), uint32(port), nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		// 迟到的连接直接关闭。
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}

// DialGRPC 建立到端点的 gRPC 连接，keepalive 参数沿用守护进程默认值。
func DialGRPC(ctx context.Context, raw string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if _, err := Parse(raw); err != nil {
		return nil, err
	}
	dopts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return Dial(ctx, raw)
		}),
	}
	dopts = append(dopts, opts...)
	return grpc.DialContext(ctx, "passthrough:///extbridge", dopts...)
}
