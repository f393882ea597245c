// Command devtoken prints a signed bearer token for local testing, standing
// in for the session service that issues tokens in production.
//
//	JWT_SECRET=dev devtoken -user u1 -email u1@example.com
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/whisper/roomchat/internal/auth"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	userID := flag.String("user", "", "user id (default: a random UUID)")
	email := flag.String("email", "", "email address (required)")
	name := flag.String("name", "", "display name")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if *email == "" {
		log.Fatal("-email is required")
	}
	if *userID == "" {
		*userID = uuid.NewString()
	}

	token, err := auth.NewIssuer(secret, *ttl).Issue(auth.Identity{UserID: *userID, Email: *email, Name: *name})
	if err != nil {
		log.Fatalf("failed to issue token: %v", err)
	}
	fmt.Println(token)
}
