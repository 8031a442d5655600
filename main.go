package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bastionhq/bastiond/internal/auth"
	"github.com/bastionhq/bastiond/internal/bootstrap"
	"github.com/bastionhq/bastiond/internal/config"
	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/handlers"
	"github.com/bastionhq/bastiond/internal/logging"
	"github.com/bastionhq/bastiond/internal/middleware"
	"github.com/bastionhq/bastiond/internal/registry"
	"github.com/bastionhq/bastiond/internal/vault"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		case "--generate-vault-key":
			key, err := vault.GenerateKey()
			if err != nil {
				log.Fatalf("Failed to generate vault key: %v", err)
			}
			fmt.Println(key)
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	// The vault key is required: every credential path depends on it,
	// and a missing key is a deployment error, not a runtime condition.
	v, err := vault.New(config.Cfg.VaultKey)
	if err != nil {
		log.Fatalf("Vault init: %v (set BASTIOND_VAULT_KEY; generate one with --generate-vault-key)", err)
	}
	handlers.Vault = v

	if config.Cfg.BootstrapPath != "" {
		if err := bootstrap.Apply(config.Cfg.BootstrapPath, v); err != nil {
			log.Fatalf("Bootstrap: %v", err)
		}
	}

	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	sessionRegistry := registry.New()
	handlers.SessionRegistry = sessionRegistry

	// Periodic sweeps: expired login sessions and bridge sessions that
	// were initiated but never connected.
	sweeper := cron.New()
	sweeper.AddFunc("@every 10m", sessionStore.Cleanup)
	sweeper.AddFunc("@every 1m", func() {
		if n := sessionRegistry.SweepPending(config.Cfg.PendingSessionTTL); n > 0 {
			log.Printf("Swept %d expired pending sessions", n)
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", handlers.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			// Targets (listing filters by permission internally)
			r.Get("/targets", handlers.ListTargets)

			// Session initiation
			r.Post("/targets/{targetId}/sessions", handlers.InitiateSession)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/targets", handlers.CreateTarget)
				r.Delete("/targets/{id}", handlers.DeleteTarget)

				r.Get("/credentials", handlers.ListCredentials)
				r.Post("/credentials", handlers.CreateCredential)
				r.Delete("/credentials/{id}", handlers.DeleteCredential)

				r.Get("/roles", handlers.ListRoles)
				r.Post("/roles", handlers.CreateRole)
				r.Get("/roles/{id}", handlers.GetRole)
				r.Delete("/roles/{id}", handlers.DeleteRole)
				r.Put("/roles/{id}/permissions", handlers.UpdateRolePermissions)

				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Get("/users/{userId}/roles", handlers.GetUserRoles)
				r.Put("/users/{userId}/roles", handlers.SetUserRoles)

				r.Get("/sessions", handlers.ListSessions)
				r.Get("/logs", handlers.GetLogs)
			})
		})
	})

	// Bridge transport endpoint
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(sessionStore))
		r.Get("/ws/connect/{targetId}/{sessionId}/", handlers.ConnectSession)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: bastiond --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'.\n", *username)
	}
}
