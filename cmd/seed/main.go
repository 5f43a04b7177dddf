// seed creates a development user for local testing.
// Idempotent: an existing dev user is left untouched.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"postboard/backend/internal/config"
	"postboard/backend/internal/logging"
	"postboard/backend/internal/security"
	"postboard/backend/internal/user/domain"
	"postboard/backend/internal/user/repository"
	"postboard/backend/internal/user/service"
)

const (
	devUsername = "dev"
	devEmail    = "dev@example.com"
	devPassword = "password123"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.IsProduction() {
		return errors.New("refusing to seed when APP_ENV=production")
	}
	log, err := logging.New(os.Stdout, cfg.LogLevel, "text")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	repo, err := repository.Open(ctx, cfg.DBURL, repository.OpenOptions{})
	if err != nil {
		return err
	}
	defer repo.Close()

	users := service.NewUserService(repo, security.NewHasher(cfg.BcryptCost), nil, log)
	u, err := users.Register(ctx, service.RegisterInput{Username: devUsername, Password: devPassword, Email: devEmail})
	if errors.Is(err, domain.ErrUsernameTaken) {
		log.Info("dev user already exists; skipping", "username", devUsername)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("seeded dev user", "user_id", u.ID, "username", devUsername, "password", devPassword)
	return nil
}
