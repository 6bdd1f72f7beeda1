// seed inserts development sample data for local testing: two webhooks, a service API key and,
// when JWT_PRIVATE_KEY is set, an access token for the dev actor. Requires DATABASE_URL.
// Idempotent: skips webhook inserts if a webhook named "dev-orders" already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/app"
	"github.com/wayli-app/fluxbase-sub006/internal/config"
	"github.com/wayli-app/fluxbase-sub006/internal/ownership"
	"github.com/wayli-app/fluxbase-sub006/internal/security"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
	webhookdomain "github.com/wayli-app/fluxbase-sub006/internal/webhook/domain"
)

const (
	devActorID     = "00000000-0000-4000-8000-000000000001"
	devReceiverURL = "http://localhost:9999/hooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg.DatabaseURL, true)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	engine, err := app.New(ctx, cfg, app.Options{Stores: stores})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer engine.Close(ctx)

	existing, err := engine.Webhooks.List(ctx)
	if err != nil {
		log.Fatalf("list webhooks: %v", err)
	}
	seeded := false
	for _, w := range existing {
		if w.Name == "dev-orders" {
			seeded = true
			break
		}
	}

	if !seeded {
		global, err := engine.Webhooks.Create(ctx, &webhookdomain.Webhook{
			Name:    "dev-orders",
			URL:     devReceiverURL,
			Enabled: true,
			Scope:   ownership.ScopeGlobal,
			Events: []webhookdomain.EventFilter{{
				Table:      table.NewRef("public", "orders"),
				Operations: []table.Operation{table.OpInsert, table.OpUpdate},
			}},
		})
		if err != nil {
			log.Fatalf("create global webhook: %v", err)
		}
		fmt.Printf("Global webhook: %s (secret %s)\n", global.ID, global.Secret)

		own, err := engine.Webhooks.Create(ctx, &webhookdomain.Webhook{
			Name:      "dev-my-profile",
			URL:       devReceiverURL,
			Enabled:   true,
			Scope:     ownership.ScopeUser,
			CreatedBy: devActorID,
			Events: []webhookdomain.EventFilter{{
				Table:     table.NewRef("public", "profiles"),
				Condition: `operation != "DELETE"`,
			}},
		})
		if err != nil {
			log.Fatalf("create user webhook: %v", err)
		}
		fmt.Printf("User webhook: %s (secret %s)\n", own.ID, own.Secret)
	} else {
		log.Println("Webhooks already seeded; skipping.")
	}

	key, err := security.GenerateAPIKey()
	if err != nil {
		log.Fatalf("generate api key: %v", err)
	}
	hash, err := security.NewHasher(cfg.BcryptCost).Hash(key.Secret)
	if err != nil {
		log.Fatalf("hash api key: %v", err)
	}
	if err := stores.APIKeys.CreateAPIKey(ctx, &actor.APIKey{
		ID:         key.ID,
		ActorID:    devActorID,
		Role:       actor.RoleAuthenticated,
		SecretHash: hash,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Fatalf("create api key: %v", err)
	}
	fmt.Printf("Dev API key (%s): %s\n", devActorID, key)

	if cfg.JWTPrivateKey != "" {
		tokens, err := security.NewTokenProviderFromPEM(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
		if err != nil {
			log.Fatalf("token provider: %v", err)
		}
		token, _, expiresAt, err := tokens.IssueAccess(devActorID, string(actor.RoleAuthenticated), nil)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Printf("Dev access token (expires %s): %s\n", expiresAt.Format(time.RFC3339), token)
	}

	log.Println("Seed completed successfully.")
}
