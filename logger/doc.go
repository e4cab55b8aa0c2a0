// Package logger builds the zap loggers used across sandboxd.
//
// The root logger is named "sandboxd" and tagged with the active transport.
// Output always goes to stderr because the stdio transport owns stdout.
// Components derive children from it: the executor and MCP server by name,
// and per-tier schedulers and sandbox runners through ForTier, so every
// execution log line can be filtered by tier:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	logger.ForTier(log, "scheduler", "high").Info("task dispatched")
package logger
