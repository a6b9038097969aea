// Command vapidkeys prints a fresh VAPID key pair in .env format.
package main

import (
	"fmt"
	"os"

	"github.com/jwalitptl/notification-hub/internal/push"
)

func main() {
	publicKey, privateKey, err := push.GenerateVAPIDKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate VAPID keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("# Add these to your .env")
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
	fmt.Println("VAPID_SUBJECT=mailto:admin@example.com")
}
