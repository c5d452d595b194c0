// cmd/adduser/main.go
// Creates or updates a user in the database.
//
// Usage:
//
//	go run ./cmd/adduser -email padraic@example.com -name Padraic -password testing
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/padraicbc/raceway/config"
	bundb "github.com/padraicbc/raceway/db"
	"github.com/padraicbc/raceway/models"
)

func main() {
	email := flag.String("email", "", "email (required)")
	name := flag.String("name", "", "display name (required)")
	password := flag.String("password", "", "plain-text password (required)")
	flag.Parse()

	if *email == "" || *name == "" || *password == "" {
		log.Fatal("-email, -name and -password are all required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("bcrypt:", err)
	}

	cfg := config.Load()
	db := bundb.Setup(cfg)
	defer db.Close()

	user := &models.User{
		ID:       uuid.NewString(),
		Email:    strings.ToLower(strings.TrimSpace(*email)),
		Name:     strings.TrimSpace(*name),
		Password: string(hash),
	}

	_, err = db.NewInsert().Model(user).
		On("CONFLICT (email) DO UPDATE SET password = EXCLUDED.password, name = EXCLUDED.name").
		Exec(context.Background())
	if err != nil {
		log.Fatal("insert user:", err)
	}

	fmt.Printf("user %q saved\n", user.Email)
}
