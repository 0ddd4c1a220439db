package main

import (
	"fmt"
	"os"

	"chat-backend/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		// The logger may not exist yet, so stderr always gets the reason
		fmt.Fprintf(os.Stderr, "chat-backend: %v\n", err)
		os.Exit(1)
	}
}
