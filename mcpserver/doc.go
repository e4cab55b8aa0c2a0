// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the task executor as MCP tools using the
// mark3labs/mcp-go library. Submission is asynchronous: submit_code returns a
// task identifier together with a queue position and wait estimate, and the
// task is followed with get_task_status, get_task_result, get_task and
// cancel_task. get_system_status reports per-tier load. A submit_test_task
// tool is registered only when server.debug_tools is set.
//
// Executor errors are returned as tool error results rather than protocol
// errors. The server supports both stdio and streamable HTTP transports, and
// an ops listener serving /metrics and /health.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, manager, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go server.ServeOps()
//	err = server.ServeStdio(ctx) // or server.ServeHTTP()
package mcpserver
