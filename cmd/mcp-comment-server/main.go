package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	// 1. Validate required environment variables
	requiredEnv := []string{"GITLAB_BASE_URL", "GITLAB_TOKEN", "GITLAB_PROJECT_ID", "PROGRESS_NOTE_ID", "NOTEABLE_TYPE", "NOTEABLE_IID"}
	for _, env := range requiredEnv {
		if os.Getenv(env) == "" {
			log.Fatalf("[MCP Note Server] Missing required environment variable: %s", env)
		}
	}

	log.Println("[MCP Note Server] Starting GitLab Note MCP Server v1.0.0")
	log.Printf("[MCP Note Server] Project: %s, %s !%s", os.Getenv("GITLAB_PROJECT_ID"), os.Getenv("NOTEABLE_TYPE"), os.Getenv("NOTEABLE_IID"))
	log.Printf("[MCP Note Server] Note ID: %s", os.Getenv("PROGRESS_NOTE_ID"))

	// 2. Create MCP server
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "gitlab-note-server",
		Version: "v1.0.0",
	}, nil)

	// 3. Register update_progress_note tool
	tool := &mcp.Tool{
		Name:        "update_progress_note",
		Description: "Update the progress note with status and results (handles both issue and merge request notes)",
	}
	mcp.AddTool(server, tool, HandleUpdateNote)
	log.Println("[MCP Note Server] Registered tool: update_progress_note")

	// 4. Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[MCP Note Server] Received shutdown signal")
		cancel()
	}()

	// 5. Start server with stdio transport
	log.Println("[MCP Note Server] Starting on stdio transport...")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("[MCP Note Server] Server error: %v", err)
	}
	log.Println("[MCP Note Server] Server stopped gracefully")
}
