package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/nao1215/memberhub/pkg/httpclient"
	"github.com/spf13/cobra"
)

// options は全サブコマンドで共通のフラグ。
type options struct {
	baseURL string
	apiKey  string
}

// client は接続先とAPIキーを設定したクライアントを返す。
func (o *options) client() *httpclient.Client {
	return httpclient.New(o.baseURL).WithAPIKey(o.apiKey)
}

// result はリレーAPIの応答。
type result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "notify",
		Short:         "Push notifications and transaction updates to the relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "url", getEnvOr("RELAY_URL", "http://localhost:3000"), "relay base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("RELAY_API_KEY"), "shared key sent as X-API-Key")

	rootCmd.AddCommand(
		newTxCmd(opts),
		newUserCmd(opts),
		newAllCmd(opts),
		newAdminCmd(opts),
		newPendingCmd(opts),
	)
	return rootCmd
}

func newTxCmd(opts *options) *cobra.Command {
	var txType, status, hash, message string

	cmd := &cobra.Command{
		Use:     "tx [address]",
		Short:   "Send a transaction status update to a wallet",
		Example: "notify tx 0xabc... --type register --status pending",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"txType":  txType,
				"status":  status,
				"txHash":  hash,
				"message": message,
			}
			return post(cmd, opts, "/api/tx-update/"+url.PathEscape(args[0]), body)
		},
	}
	cmd.Flags().StringVar(&txType, "type", "", "transaction type (approve, register, upgrade, ...)")
	cmd.Flags().StringVar(&status, "status", "", "status (pending, success, failed, ...)")
	cmd.Flags().StringVar(&hash, "hash", "", "transaction hash")
	cmd.Flags().StringVar(&message, "message", "", "message shown to the user")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// notificationFlags は通知系サブコマンドのフラグ。
type notificationFlags struct {
	title   string
	message string
	kind    string
}

func (f *notificationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "notification title")
	cmd.Flags().StringVar(&f.message, "message", "", "notification message")
	cmd.Flags().StringVar(&f.kind, "kind", "", "notification type (info, success, danger, ...)")
	_ = cmd.MarkFlagRequired("message")
}

func (f *notificationFlags) body() map[string]string {
	return map[string]string{"title": f.title, "message": f.message, "type": f.kind}
}

func newUserCmd(opts *options) *cobra.Command {
	flags := &notificationFlags{}
	cmd := &cobra.Command{
		Use:   "user [address]",
		Short: "Send a notification to one wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd, opts, "/api/notify/user/"+url.PathEscape(args[0]), flags.body())
		},
	}
	flags.register(cmd)
	return cmd
}

func newAllCmd(opts *options) *cobra.Command {
	flags := &notificationFlags{}
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Broadcast a notification to every connected session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return post(cmd, opts, "/api/notify/all", flags.body())
		},
	}
	flags.register(cmd)
	return cmd
}

func newAdminCmd(opts *options) *cobra.Command {
	flags := &notificationFlags{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Send a notification to the admin room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return post(cmd, opts, "/api/notify/admin", flags.body())
		},
	}
	flags.register(cmd)
	return cmd
}

func newPendingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [address]",
		Short: "Show pending transactions of a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				PendingTransactions json.RawMessage `json:"pendingTransactions"`
			}
			if err := opts.client().GetJSON(cmd.Context(), "/api/pending-tx/"+url.PathEscape(args[0]), &resp); err != nil {
				return fmt.Errorf("保留中トランザクションの取得に失敗: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.PendingTransactions))
			return nil
		},
	}
}

// post はリレーAPIにPOSTし、応答メッセージを表示する。
func post(cmd *cobra.Command, opts *options, path string, body any) error {
	var resp result
	if err := opts.client().PostJSON(cmd.Context(), path, body, &resp); err != nil {
		return fmt.Errorf("リレーへの送信に失敗: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

// getEnvOr は環境変数の値を返す。未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
