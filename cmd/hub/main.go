package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/notebookhub/internal/app"
	"github.com/yungbote/notebookhub/internal/platform/shutdown"
)

func main() {
	a, err := app.New(context.Background())
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := shutdown.NotifyContext(context.Background(), func(sig os.Signal) {
		a.Log.Info("Shutdown signal received", "signal", sig.String())
	})
	defer stop()

	if err := a.Run(ctx); err != nil {
		fmt.Printf("hub exited: %v\n", err)
		os.Exit(1)
	}
}
