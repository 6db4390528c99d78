// Mediation admin MCP server: exposes dispute and refund administration as
// MCP tools over stdio.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP protocol; diagnostics go to stderr.
	logger := logging.NewWithWriter(os.Stderr, envOr("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{
		APIURL: envOr("MEDIATION_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("MEDIATION_API_TOKEN"),
	}
	if cfg.Token == "" {
		logger.Error("MEDIATION_API_TOKEN is required (an admin bearer token)")
		os.Exit(1)
	}

	logger.Info("serving mediation admin tools over stdio", "api", cfg.APIURL)
	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelError)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg), server.WithErrorLogger(errLog)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
