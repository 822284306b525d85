package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"spsh/backend/internal/auth/jwt"
	"spsh/backend/internal/config"
)

// issue-token prints a bearer token for a service client of the e-mail API.
func main() {
	clientID := flag.String("client", "", "client id put into the token")
	scopes := flag.String("scopes", jwt.ScopeEmailRead+","+jwt.ScopeEmailWrite, "comma separated scopes")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *clientID == "" {
		fmt.Println("usage: issue-token -client=<id> [-scopes=email:read,email:write] [-ttl=24h]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.JWT.Secret == "" {
		fmt.Println("SPSH_JWT_SECRET is not set")
		os.Exit(1)
	}

	var granted []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			granted = append(granted, s)
		}
	}

	manager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, *ttl)
	token, err := manager.IssueToken(*clientID, granted...)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
