// bridgectl 通过 gRPC 调用 bridge-api，便于在终端里触发连接与签名流程。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	bridgeapi "github.com/aegis-sign/extbridge/internal/api"
	"github.com/aegis-sign/extbridge/internal/infra/listener"
	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
	"github.com/spf13/cobra"
)

type options struct {
	endpoint string
	timeout  time.Duration
	retries  int
	backoff  backoffConfig
}

// client 是 bridgectl 用到的 GRPCClient 方法子集。
type client interface {
	Connect(ctx context.Context, opts dapp.LoginOptions) (dapp.Account, error)
	Disconnect(ctx context.Context) (bool, error)
	GetAddress(ctx context.Context) (string, error)
	Status(ctx context.Context) (bridgeapi.StatusView, error)
	SignTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error)
	SendTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error)
	SignMessage(ctx context.Context, message, encoding string) (dapp.SignableMessage, error)
}

type dialFunc func(ctx context.Context, endpoint string) (client, func(), error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(dialGRPC).ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

func dialGRPC(ctx context.Context, endpoint string) (client, func(), error) {
	cc, err := listener.DialGRPC(ctx, endpoint)
	if err != nil {
		return nil, nil, err
	}
	return bridgeapi.NewGRPCClient(cc), func() { _ = cc.Close() }, nil
}

// exitCode 对需要稍后重试的错误返回 75 (EX_TEMPFAIL)。
func exitCode(err error) int {
	if apiErr, ok := apierrors.FromError(err); ok && apierrors.RequiresRetryAfter(apiErr.Code) {
		return 75
	}
	return 1
}

func newRootCmd(dial dialFunc) *cobra.Command {
	o := options{backoff: defaultBackoff()}
	root := &cobra.Command{
		Use:          "bridgectl",
		Short:        "Drive a running bridge-api over gRPC",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.endpoint, "endpoint", envOr("EXTBRIDGE_ENDPOINT", "127.0.0.1:9090"), "bridge-api gRPC endpoint (host:port, unix://path or vsock://cid:port)")
	pf.DurationVar(&o.timeout, "timeout", 5*time.Minute, "overall deadline, user approval in the popup included")
	pf.IntVar(&o.retries, "retries", 0, "retry this many times while another exchange is pending or the rate limit is hit")
	pf.DurationVar(&o.backoff.Initial, "retry-initial", o.backoff.Initial, "first retry delay when the server sends no Retry-After")

	// with 拨号并在 deadline 内执行 fn，结果以 JSON 打印。
	with := func(cmd *cobra.Command, fn func(ctx context.Context, c client) (any, error)) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
		defer cancel()
		c, closeConn, err := dial(ctx, o.endpoint)
		if err != nil {
			return fmt.Errorf("dial %s: %w", o.endpoint, err)
		}
		defer closeConn()
		out, err := retryable(ctx, o.retries, newBackoff(o.backoff), func() (any, error) {
			return fn(ctx, c)
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	var login dapp.LoginOptions
	connect := &cobra.Command{
		Use:   "connect",
		Short: "Open the wallet popup and log in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return with(cmd, func(ctx context.Context, c client) (any, error) {
				return c.Connect(ctx, login)
			})
		},
	}
	connect.Flags().StringVar(&login.CallbackURL, "callback-url", "", "callback URL forwarded to the wallet")
	connect.Flags().StringVar(&login.Token, "token", "", "login token to be signed by the wallet")

	disconnect := &cobra.Command{
		Use:   "disconnect",
		Short: "Log out and forget the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return with(cmd, func(ctx context.Context, c client) (any, error) {
				ok, err := c.Disconnect(ctx)
				return map[string]bool{"ok": ok}, err
			})
		},
	}

	address := &cobra.Command{
		Use:   "address",
		Short: "Print the connected account address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return with(cmd, func(ctx context.Context, c client) (any, error) {
				addr, err := c.GetAddress(ctx)
				return map[string]string{"address": addr}, err
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print session and in-flight exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return with(cmd, func(ctx context.Context, c client) (any, error) {
				return c.Status(ctx)
			})
		},
	}

	var encoding string
	signMessage := &cobra.Command{
		Use:   "sign-message MESSAGE",
		Short: "Ask the wallet to sign an arbitrary message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, c client) (any, error) {
				return c.SignMessage(ctx, args[0], encoding)
			})
		},
	}
	signMessage.Flags().StringVar(&encoding, "encoding", "utf8", "message encoding: utf8, hex or base64")

	root.AddCommand(
		connect,
		disconnect,
		address,
		status,
		signMessage,
		transactionsCmd("sign-transactions", "Ask the wallet to sign transactions", with, client.SignTransactions),
		transactionsCmd("send-transactions", "Ask the wallet to sign and broadcast transactions", with, client.SendTransactions),
	)
	return root
}

type runner func(cmd *cobra.Command, fn func(ctx context.Context, c client) (any, error)) error

type txCall func(c client, ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error)

func transactionsCmd(use, short string, with runner, call txCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [FILE]",
		Short: short + " (JSON from FILE or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txs, err := readTransactions(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return with(cmd, func(ctx context.Context, c client) (any, error) {
				signed, err := call(c, ctx, txs)
				return map[string][]dapp.Transaction{"transactions": signed}, err
			})
		},
	}
}

// readTransactions 接受单个交易对象、交易数组或 {"transactions": [...]}。
func readTransactions(stdin io.Reader, args []string) ([]dapp.Transaction, error) {
	src := stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		src = f
	}
	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read transactions: %w", err)
	}

	var wrapped struct {
		Transactions []dapp.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Transactions != nil {
		return wrapped.Transactions, nil
	}
	var list []dapp.Transaction
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single dapp.Transaction
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errors.New("transactions must be a JSON object, array or {\"transactions\": [...]}")
	}
	return []dapp.Transaction{single}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
