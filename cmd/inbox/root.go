package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/capitalize-ai/inbox/internal/config"
	"github.com/capitalize-ai/inbox/internal/middleware"
	"github.com/capitalize-ai/inbox/internal/remote"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

var version = "dev"

// app is the state shared by every command once flags are resolved.
var app struct {
	cfg    *config.ClientConfig
	log    *logger.Logger
	client *remote.Client
	userID string
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Terminal client for inbox conversations",
	Long: `inbox lists your conversations and opens one as a live, scrollable
view. Messages you send appear at once and are confirmed in place when the
server stores them.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	f := rootCmd.PersistentFlags()
	f.String("api", "", "API base URL (default $INBOX_API_URL)")
	f.String("token", "", "bearer token (default $INBOX_TOKEN)")
	f.String("user", "", "user id; with --secret mints a development token")
	f.String("secret", "", "JWT secret for development tokens (default $JWT_SECRET)")
	f.String("log-level", "", "log level (default $LOG_LEVEL or warn)")
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg := config.LoadClient()
	f := cmd.Flags()
	override := func(name string, dst *string) {
		if v, _ := f.GetString(name); v != "" {
			*dst = v
		}
	}
	override("api", &cfg.APIURL)
	override("token", &cfg.Token)
	override("user", &cfg.UserID)
	override("secret", &cfg.JWTSecret)
	override("log-level", &cfg.LogLevel)

	log, err := logger.NewWithOutput(cfg.LogLevel, "stderr")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal(log)

	token, userID, err := resolveToken(cfg)
	if err != nil {
		return err
	}

	client, err := remote.New(cfg.APIURL, token,
		remote.WithPageSize(cfg.PageSize),
		remote.WithLogger(log),
	)
	if err != nil {
		return err
	}

	app.cfg = cfg
	app.log = log
	app.client = client
	app.userID = userID
	return nil
}

// resolveToken returns the bearer token and the user it names. A token is
// minted locally when only a user id and the shared secret are known.
func resolveToken(cfg *config.ClientConfig) (string, string, error) {
	if cfg.Token == "" {
		if cfg.UserID == "" || cfg.JWTSecret == "" {
			return "", "", errors.New("no credentials: set --token, or --user with --secret")
		}
		tok, err := middleware.IssueToken(cfg.JWTSecret, cfg.UserID, cfg.UserID, 24*time.Hour)
		if err != nil {
			return "", "", fmt.Errorf("failed to mint token: %w", err)
		}
		return tok, cfg.UserID, nil
	}

	// The server verifies the signature; the client only needs the subject.
	claims := &middleware.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(cfg.Token, claims); err != nil {
		return "", "", fmt.Errorf("malformed token: %w", err)
	}
	if claims.Subject == "" {
		return "", "", errors.New("token has no subject")
	}
	if cfg.UserID != "" && cfg.UserID != claims.Subject {
		return "", "", fmt.Errorf("token is for %q, not %q", claims.Subject, cfg.UserID)
	}
	return cfg.Token, claims.Subject, nil
}
