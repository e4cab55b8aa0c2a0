// Package main is the entry point for the sandboxd MCP server.
//
// sandboxd accepts untrusted code (Python, Node.js, Go, C++) over the Model
// Context Protocol, queues each submission on the queue of its security tier
// and runs it in a sandbox whose isolation matches the tier. Each tier has
// its own bounded pool of concurrent executions. The server supports both
// stdio and HTTP transports and serves Prometheus metrics and a health check
// on a separate listener.
//
// The serve command wires the application with Uber's fx framework for
// dependency injection and lifecycle management, with zap for structured
// logging and viper for configuration. The config command prints the
// effective configuration and version prints build information.
package main
