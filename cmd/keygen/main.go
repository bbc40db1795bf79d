package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

// Generates the two secrets a local deployment needs: the JWT signing
// secret and a 32-byte local KEK (hex) for the dev KMS gateway.
func main() {
	jwtSecret := make([]byte, 48)
	if _, err := rand.Read(jwtSecret); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate secret: %v\n", err)
		os.Exit(1)
	}

	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate kek: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("JWT_SECRET=%s\n", base64.StdEncoding.EncodeToString(jwtSecret))
	fmt.Printf("LOCAL_KEK=%s\n", hex.EncodeToString(kek))
	fmt.Println("--------------------------------")
}
