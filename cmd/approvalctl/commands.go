package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asan-idp/approvalgate/internal/api"
	"github.com/asan-idp/approvalgate/internal/auth"
	"github.com/asan-idp/approvalgate/internal/config"
	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/sqlreview"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server with its scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.Logging.NewLogger(os.Stdout)

			server, err := api.NewServer(cfg, api.WithLogger(logger))
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return server.Run(ctx)
		},
	}
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [sql|-]",
		Short: "Print the risk analysis of a SQL text without creating a request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			question, _ := cmd.Flags().GetString("question")

			sql := ""
			if len(args) == 1 {
				sql = args[0]
			}
			if sql == "" || sql == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading sql from stdin: %w", err)
				}
				sql = string(b)
			}

			conf, err := sqlreview.NewConfidence(cfg.Workflow.ManualConfidence)
			if err != nil {
				return err
			}
			q, err := sqlreview.Analyze(sql, question, conf)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), q.ApprovalMetadata())
		},
	}
	cmd.Flags().String("question", "", "Natural-language question the SQL answers")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending requests once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New("sweep needs a configured database")
			}
			logger := cfg.Logging.NewLogger(cmd.ErrOrStderr())

			server, err := api.NewServer(cfg, api.WithLogger(logger))
			if err != nil {
				return err
			}
			defer server.Close()

			res := server.Workflow().ExpireOverdue(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Error != nil {
				return res.Error
			}
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a requester, approver or admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			level, _ := cmd.Flags().GetString("level")

			svc := auth.NewService(auth.Config{
				JWTSecret:         cfg.Auth.JWTSecret,
				AccessTokenExpiry: cfg.Auth.AccessTokenExpiry,
				Issuer:            cfg.Auth.Issuer,
			})
			token, expiresAt, err := svc.IssueToken(user, auth.Role(strings.ToLower(role)), models.ApproverLevel(level))
			if err != nil {
				return err
			}
			if cfg.UsesDefaultJWTSecret() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: signed with the built-in development secret")
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"access_token": token,
				"expires_at":   expiresAt,
			})
		},
	}
	cmd.Flags().String("user", "", "Subject of the token")
	cmd.Flags().String("role", string(auth.RoleRequester), "requester, approver or admin")
	cmd.Flags().String("level", "", "Approver level (supervisor, manager, senior_manager, chief_officer)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "approvalctl %s (built %s)\n", version, buildTime)
		},
	}
}
