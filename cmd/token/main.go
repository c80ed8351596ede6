package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"parley/internal/auth"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: token <user-id> <username>")
		os.Exit(1)
	}

	authenticator, err := auth.NewAuthenticator(context.Background(), auth.Config{
		Secret:      os.Getenv("JWT_SECRET"),
		Issuer:      envOr("JWT_ISSUER", "parley"),
		TokenExpiry: auth.DefaultTokenExpiry,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	token, expires, err := authenticator.GenerateToken(os.Args[1], os.Args[2])
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
