package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bridgeapi "github.com/aegis-sign/extbridge/internal/api"
	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	login   dapp.LoginOptions
	signed  []dapp.Transaction
	sent    bool
	message string
	enc     string
	err     error
	// busy 次调用 GetAddress 返回 EXCHANGE_PENDING。
	busy  int
	calls int
}

func (f *fakeClient) Connect(_ context.Context, opts dapp.LoginOptions) (dapp.Account, error) {
	f.login = opts
	return dapp.Account{Address: "erd1wallet", Index: 2}, f.err
}

func (f *fakeClient) Disconnect(context.Context) (bool, error) { return true, f.err }

func (f *fakeClient) GetAddress(context.Context) (string, error) {
	f.calls++
	if f.calls <= f.busy {
		return "", apierrors.New(apierrors.CodeExchangePending, "busy")
	}
	return "erd1wallet", f.err
}

func (f *fakeClient) Status(context.Context) (bridgeapi.StatusView, error) {
	return bridgeapi.StatusView{Initialized: true, Connected: true}, f.err
}

func (f *fakeClient) SignTransactions(_ context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	for i := range txs {
		txs[i].Signature = "sig"
	}
	f.signed = txs
	return txs, f.err
}

func (f *fakeClient) SendTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	f.sent = true
	return f.SignTransactions(ctx, txs)
}

func (f *fakeClient) SignMessage(_ context.Context, message, encoding string) (dapp.SignableMessage, error) {
	f.message, f.enc = message, encoding
	return dapp.SignableMessage{Message: []byte(message), Signature: "sig", Address: "erd1wallet"}, f.err
}

func execute(t *testing.T, fake *fakeClient, stdin string, args ...string) (string, error) {
	t.Helper()
	var endpoint string
	cmd := newRootCmd(func(_ context.Context, ep string) (client, func(), error) {
		endpoint = ep
		return fake, func() {}, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--endpoint", "unix:///tmp/bridge.sock"}, args...))
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		require.Equal(t, "unix:///tmp/bridge.sock", endpoint)
	}
	return out.String(), err
}

func TestConnectPrintsAccount(t *testing.T) {
	fake := &fakeClient{}
	out, err := execute(t, fake, "", "connect", "--token", "tok")
	require.NoError(t, err)
	require.Equal(t, "tok", fake.login.Token)

	var account dapp.Account
	require.NoError(t, json.Unmarshal([]byte(out), &account))
	require.Equal(t, dapp.Account{Address: "erd1wallet", Index: 2}, account)
}

func TestSignMessageEncodingFlag(t *testing.T) {
	fake := &fakeClient{}
	_, err := execute(t, fake, "", "sign-message", "68656c6c6f", "--encoding", "hex")
	require.NoError(t, err)
	require.Equal(t, "68656c6c6f", fake.message)
	require.Equal(t, "hex", fake.enc)
}

func TestSignTransactionsFromStdin(t *testing.T) {
	fake := &fakeClient{}
	out, err := execute(t, fake, `[{"nonce":1,"receiver":"erd1a"},{"nonce":2,"receiver":"erd1b"}]`, "sign-transactions")
	require.NoError(t, err)
	require.False(t, fake.sent)
	require.Len(t, fake.signed, 2)

	var body struct {
		Transactions []dapp.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Equal(t, "erd1b", body.Transactions[1].Receiver)
	require.Equal(t, "sig", body.Transactions[0].Signature)
}

func TestSendTransactionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nonce":7,"receiver":"erd1c"}`), 0o600))
	fake := &fakeClient{}
	_, err := execute(t, fake, "", "send-transactions", path)
	require.NoError(t, err)
	require.True(t, fake.sent)
	require.Equal(t, []dapp.Transaction{{Nonce: 7, Receiver: "erd1c", Signature: "sig"}}, fake.signed)
}

func TestReadTransactionsShapes(t *testing.T) {
	txs, err := readTransactions(strings.NewReader(`{"transactions":[{"nonce":1}]}`), nil)
	require.NoError(t, err)
	require.Equal(t, []dapp.Transaction{{Nonce: 1}}, txs)

	txs, err = readTransactions(strings.NewReader(`[]`), []string{"-"})
	require.NoError(t, err)
	require.Empty(t, txs)

	_, err = readTransactions(strings.NewReader(`"nope"`), nil)
	require.Error(t, err)
}

func TestExitCodeForRetryableErrors(t *testing.T) {
	pending := apierrors.New(apierrors.CodeExchangePending, "busy")
	fake := &fakeClient{err: pending}
	_, err := execute(t, fake, "", "address")
	require.ErrorIs(t, err, pending)
	require.Equal(t, 75, exitCode(err))
	require.Equal(t, 1, exitCode(apierrors.New(apierrors.CodeNotConnected, "no session")))
}

func TestRetriesWhileExchangePending(t *testing.T) {
	fake := &fakeClient{busy: 2}
	out, err := execute(t, fake, "", "address", "--retries", "3", "--retry-initial", "1ms")
	require.NoError(t, err)
	require.Equal(t, 3, fake.calls)
	require.Contains(t, out, "erd1wallet")

	fake = &fakeClient{busy: 5}
	_, err = execute(t, fake, "", "address", "--retries", "1", "--retry-initial", "1ms")
	require.True(t, apierrors.HasCode(err, apierrors.CodeExchangePending))
	require.Equal(t, 2, fake.calls)
}

func TestRetryDoesNotRepeatTerminalErrors(t *testing.T) {
	fake := &fakeClient{err: apierrors.New(apierrors.CodeNotConnected, "no session")}
	_, err := execute(t, fake, "", "address", "--retries", "3", "--retry-initial", "1ms")
	require.True(t, apierrors.HasCode(err, apierrors.CodeNotConnected))
	require.Equal(t, 1, fake.calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(backoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond})
	require.Equal(t, 10*time.Millisecond, b.next())
	require.Equal(t, 20*time.Millisecond, b.next())
	require.Equal(t, 40*time.Millisecond, b.next())
	require.Equal(t, 40*time.Millisecond, b.next())

	jittered := newBackoff(backoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: 0.2})
	for i := 0; i < 20; i++ {
		d := jittered.next()
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
	}
}
