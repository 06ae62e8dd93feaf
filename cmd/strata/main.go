// Strata: hierarchical context MCP server.
//
// A context store for AI agent workflows: contexts at four levels
// (global → project → branch → task) with inheritance, delegation and
// batch operations, served over MCP stdio and an optional HTTP/WebSocket
// gateway.
//
// Usage:
//
//	strata serve           # Start MCP server (stdio transport)
//	strata serve --http    # Also start the REST/WebSocket gateway
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	strataserver "github.com/stratahq/strata/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		withHTTP := len(os.Args) > 2 && os.Args[2] == "--http"
		if err := run(withHTTP); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("strata v%s\n", strataserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run(withHTTP bool) error {
	components, cleanup, err := strataserver.New()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if withHTTP {
		go func() {
			// Gateway logs go to stderr; stdout belongs to MCP stdio.
			fmt.Fprintf(os.Stderr, "HTTP gateway listening on %s\n", components.Config.HTTPAddr)
			if err := components.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "HTTP gateway: %v\n", err)
			}
		}()
		go func() {
			<-sigCh
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = components.HTTP.Shutdown(ctx)
		}()
	}

	return server.ServeStdio(components.MCP)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Strata v%s — hierarchical context MCP server

Usage:
  strata serve           Start the MCP server (stdio transport)
  strata serve --http    Also start the REST/WebSocket gateway

Configuration:
  ~/.strata/config.yaml (see STRATA_* environment overrides)

  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "strata": {
        "command": "strata",
        "args": ["serve"]
      }
    }
  }
`, strataserver.Version)
}
