package listener

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw  string
		want Endpoint
	}{
		{"127.0.0.1:9090", Endpoint{Network: NetworkTCP, Address: "127.0.0.1:9090"}},
		{"unix:///run/extbridge.sock", Endpoint{Network: NetworkUnix, Address: "/run/extbridge.sock"}},
		{"unix:/tmp/a.sock", Endpoint{Network: NetworkUnix, Address: "/tmp/a.sock"}},
		{"vsock://3:5000", Endpoint{Network: NetworkVsock, Address: "3:5000"}},
		{"vsock:5000", Endpoint{Network: NetworkVsock, Address: "5000"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}

	_, err := Parse("  ")
	require.Error(t, err)
	_, err = Parse("unix://")
	require.Error(t, err)
}

func TestEndpointString(t *testing.T) {
	require.Equal(t, "vsock://3:5000", Endpoint{Network: NetworkVsock, Address: "3:5000"}.String())
	require.Equal(t, ":8080", Endpoint{Network: NetworkTCP, Address: ":8080"}.String())
}

func TestVsockListenPort(t *testing.T) {
	port, err := vsockListenPort("3:5000")
	require.NoError(t, err)
	require.Equal(t, uint32(5000), port)

	_, err = vsockListenPort("abc")
	require.Error(t, err)
}

func TestDialVsockRejectsMalformed(t *testing.T) {
	_, err := Dial(context.Background(), "vsock://5000")
	require.ErrorContains(t, err, "invalid vsock endpoint")
	_, err = Dial(context.Background(), "vsock://x:1")
	require.ErrorContains(t, err, "invalid vsock cid")
}

func TestUnixListenAndDial(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bridge.sock")
	endpoint := "unix://" + sock
	lis, err := Listen(endpoint)
	require.NoError(t, err)
	defer lis.Close()

	accepted := make(chan []byte, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf, _ := io.ReadAll(conn)
		accepted <- buf
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := Dial(ctx, endpoint)
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case got := <-accepted:
		require.Equal(t, "ping", string(got))
	case <-time.After(time.Second):
		t.Fatal("unix listener did not receive data")
	}
}

func TestTCPListen(t *testing.T) {
	lis, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, lis.Close())
}
