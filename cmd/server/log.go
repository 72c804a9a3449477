package main

import (
	"fmt"
	"log/slog"
	"os"
)

// fatalError prints an error and exits the program.
func fatalError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "❌ %s: %v\n", msg, err)
	os.Exit(1)
}

// warning prints a warning.
func warning(msg string) {
	fmt.Fprintf(os.Stderr, "⚠️  %s\n", msg)
}

// setupLogging installs a text handler on stderr as the default logger.
func setupLogging(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
