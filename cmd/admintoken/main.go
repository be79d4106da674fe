// Command admintoken prints a bearer token for the admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"bot-topup/internal/auth"
	"bot-topup/internal/config"
	"bot-topup/internal/paramstore"
)

func main() {
	userID := flag.Int64("user", 0, "admin user id to put in the token subject")
	flag.Parse()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "admintoken: -user is required")
		os.Exit(2)
	}

	token, err := issue(context.Background(), *userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admintoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func issue(ctx context.Context, userID int64) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.SSMParamPrefix != "" {
		params, err := paramstore.NewFromEnv(ctx, cfg.SSMParamPrefix)
		if err != nil {
			return "", fmt.Errorf("init parameter store: %w", err)
		}
		isNotFound := func(err error) bool { return errors.Is(err, paramstore.ErrNotFound) }
		if err := cfg.ResolveSecrets(ctx, params, isNotFound); err != nil {
			return "", fmt.Errorf("resolve secrets: %w", err)
		}
	}
	if cfg.AdminJWTSecret == "" {
		return "", errors.New("ADMIN_JWT_SECRET is not set")
	}

	return auth.NewTokenManager(cfg.AdminJWTSecret, cfg.AdminJWTIssuer, cfg.AdminJWTTTL).Generate(userID)
}
