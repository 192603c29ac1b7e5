package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"supportdesk/internal/middleware"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var (
	flagUserID   uint
	flagRoles    string
	flagTTLMin   int
	flagNoExpiry bool

	decVerify bool
	decSecret string
)

// tokenCmd 签发测试/运维用的 HS256 令牌
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return errors.New("jwt.secret is empty; set it in config")
		}
		if flagUserID == 0 {
			return errors.New("--user-id is required")
		}
		ttl := time.Duration(flagTTLMin) * time.Minute
		if flagNoExpiry {
			ttl = 0
		}
		tok, err := middleware.IssueToken(cfg.JWT.Secret, flagUserID, strings.Split(flagRoles, ","), ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

// decodeTokenCmd 打印载荷，--verify 时校验签名与时间声明
var decodeTokenCmd = &cobra.Command{
	Use:   "token-decode <token>",
	Short: "Decode a JWT and optionally verify its HS256 signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claims := &middleware.Claims{}
		if _, _, err := jwt.NewParser().ParseUnverified(args[0], claims); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		out, _ := json.MarshalIndent(claims, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		if !decVerify {
			return nil
		}
		secret := decSecret
		if secret == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret = cfg.JWT.Secret
		}
		if secret == "" {
			return errors.New("no secret provided and jwt.secret empty in config")
		}
		if _, err := middleware.ParseToken(args[0], secret); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signature: valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd, decodeTokenCmd)
	tokenCmd.Flags().UintVar(&flagUserID, "user-id", 0, "numeric user id to embed in token")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "support", "comma-separated roles (support,manager,admin,customer)")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token time-to-live in minutes")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-exp", false, "do not include exp claim")

	decodeTokenCmd.Flags().BoolVar(&decVerify, "verify", false, "verify signature and time claims")
	decodeTokenCmd.Flags().StringVar(&decSecret, "secret", "", "override jwt.secret from config")
}
