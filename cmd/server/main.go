package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/chi-demo/middleware"

	"github.com/tendant/simple-ledger/pkg/simpleledger/api"
	"github.com/tendant/simple-ledger/pkg/simpleledger/config"
	ledgermem "github.com/tendant/simple-ledger/pkg/simpleledger/transport/memory"
)

// developmentSecret signs tokens when JWT_SECRET is unset in development.
const developmentSecret = "secretkey"

type ServerConfig struct {
	AdminKeySHA256 string `env:"ADMIN_API_KEY_SHA256"`
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to read configuration", "err", err)
		os.Exit(1)
	}
	var serverCfg ServerConfig
	if err := cleanenv.ReadEnv(&serverCfg); err != nil {
		slog.Error("Failed to read server configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rt, err := config.Build(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to build ledger runtime", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	secret := cfg.JWTSecret
	if secret == "" {
		slog.Warn("JWT_SECRET not set, using development secret")
		secret = developmentSecret
	}

	handler := api.NewHandler(api.Config{
		Publisher:  rt.Publisher,
		Scanner:    rt.Scanner,
		Credential: rt.Credential,
		MaxBytes:   cfg.Upload.MaxBytes,
		Logger:     slog.Default(),
	})

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	server.R.Route("/api", func(r chi.Router) {
		r.Mount("/", handler.Routes(api.NewAuth(secret)))

		switch {
		case serverCfg.AdminKeySHA256 != "":
			apiKeyMiddleware, err := middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{
				APIKeys: map[string]string{"admin": serverCfg.AdminKeySHA256},
			})
			if err != nil {
				slog.Error("Failed initialize API Key middleware", "err", err)
				os.Exit(1)
			}
			r.Group(func(r chi.Router) {
				r.Use(apiKeyMiddleware)
				r.Mount("/admin", handler.AdminRoutes())
			})
		case cfg.IsDevelopment():
			slog.Warn("ADMIN_API_KEY_SHA256 not set, admin routes are open in development")
			r.Mount("/admin", handler.AdminRoutes())
		default:
			slog.Warn("ADMIN_API_KEY_SHA256 not set, admin routes disabled")
		}
	})

	if rt.Ledger != nil {
		server.R.Mount("/ledger", ledgermem.NewHandler(rt.Ledger, slog.Default()).Routes())
	}

	server.Run()
}
