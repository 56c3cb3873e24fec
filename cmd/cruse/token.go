// ABOUTME: The token command issues bearer tokens signed with auth.jwt_secret
// ABOUTME: Tokens authorize chat clients against a remote gateway

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/cruse/internal/auth"
)

// TokenCmd prints a signed token.
type TokenCmd struct {
	Subject string        `name:"sub" help:"Token subject. Defaults to a random ID."`
	TTL     time.Duration `default:"720h" help:"Token lifetime."`
}

func (c *TokenCmd) Run(g *globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating verifier: %w", err)
	}

	subject := c.Subject
	if subject == "" {
		subject = "client-" + uuid.NewString()[:8]
	}
	token, err := verifier.Generate(subject, c.TTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("subject: %s  expires: %s\n", subject, time.Now().Add(c.TTL).Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
