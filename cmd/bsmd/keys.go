package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"BSM-Orchestrator/internal/keys"
	"BSM-Orchestrator/pkg/logger"
)

func newKeysCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "查看凭证轮换状态",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "输出各提供方状态，配置 status_url 时先对账一次",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			manager := buildKeys(cfg.Credentials, nil, nil)
			if cfg.Credentials.StatusURL != "" {
				rec := keys.NewReconciler(manager,
					keys.NewHTTPStatusFetcher(cfg.Credentials.StatusURL, cfg.Credentials.FetchTimeout.Std()),
					keys.WithReconcilerLogger(logger.Named("keys")))
				if err := rec.ReconcileOnce(cmd.Context()); err != nil {
					return err
				}
			}
			return writeIndented(cmd.OutOrStdout(), manager.Stats())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve [PROVIDER...]",
		Short: "解析提供方当前会使用的凭证来源，不输出密钥；省略参数时解析全部提供方",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			manager := buildKeys(cfg.Credentials, nil, nil)
			if len(args) == 0 {
				args = manager.Providers()
			}
			creds := make([]keys.Credential, 0, len(args))
			for _, name := range args {
				cred, err := manager.GetKey(cmd.Context(), name)
				if err != nil {
					return err
				}
				creds = append(creds, cred)
			}
			return writeIndented(cmd.OutOrStdout(), creds)
		},
	})
	return cmd
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
