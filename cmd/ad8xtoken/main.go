// ad8xtoken issues API bearer tokens signed with the bridge's JWT secret.
//
//	AD8X_CONFIG=/etc/ad8x/config.yaml ad8xtoken -subject kitchen-panel -role operator
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nerrad567/ad8x-bridge/internal/auth"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ad8xtoken", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject, recorded as the command source")
	role := fs.String("role", string(auth.RoleOperator), "viewer, operator or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (default security.jwt.access_token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := auth.ParseRole(*role)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}

	token, err := auth.IssueToken(*subject, r, cfg.Security.JWT.Secret, lifetime)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
