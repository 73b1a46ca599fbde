package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/provisioner/internal/api/middleware"
	"github.com/flowpbx/provisioner/internal/config"
)

// issueToken prints a signed admin bearer token. The secret must match the
// one the server runs with, so an ephemeral secret is refused.
func issueToken(args []string) int {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	subject := fs.String("subject", "", "operator the token is issued to")
	ttl := fs.Duration("ttl", middleware.DefaultAdminTokenTTL, "token lifetime")
	secretHex := fs.String("jwt-secret", os.Getenv(config.EnvName("jwt-secret")), "hex-encoded 32-byte signing secret")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *secretHex == "" {
		fmt.Fprintf(os.Stderr, "error: -jwt-secret or %s is required\n", config.EnvName("jwt-secret"))
		return 2
	}
	secret, err := hex.DecodeString(*secretHex)
	if err != nil || len(secret) != 32 {
		fmt.Fprintln(os.Stderr, "error: jwt secret must be 64 hex characters")
		return 2
	}

	token, expiresAt, err := middleware.IssueAdminToken(secret, *subject, uuid.NewString(), *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return 0
}
