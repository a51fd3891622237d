// Command chattoken mints a session token for local testing, optionally
// creating the identity first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"campuschat/internal/app"
	"campuschat/internal/config"
	"campuschat/internal/logging"
	"campuschat/pkg/interfaces"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("chattoken", flag.ContinueOnError)
	username := flags.String("username", "", "identity to issue the token for")
	create := flags.Bool("create", false, "create the identity if it does not exist")
	displayName := flags.String("display-name", "", "display name used with -create")
	ttl := flags.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a JSON or YAML config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("-username is required")
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *ttl <= 0 {
		*ttl = cfg.Auth.TokenTTL
	}

	application, err := app.NewApplication(cfg, logging.Discard())
	if err != nil {
		return err
	}
	defer func() { _ = application.Stop(context.Background()) }()

	db := application.Database()
	if _, err := db.LookupByUsername(ctx, *username); err != nil {
		if !errors.Is(err, interfaces.ErrIdentityNotFound) || !*create {
			return fmt.Errorf("identity %q: %w", *username, err)
		}
		name := *displayName
		if name == "" {
			name = *username
		}
		if _, err := db.CreateIdentity(ctx, *username, name, ""); err != nil {
			return err
		}
	}

	token, err := application.Authenticator().IssueToken(*username, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
