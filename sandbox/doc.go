// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated environments. It supports multiple backends: the Docker
// and Podman CLIs, the Docker Engine API, and local execution (for
// development).
//
// Every backend implements the Runner interface. A runner handles the full
// lifecycle of one execution including setup, execution, and cleanup while
// enforcing the Limits of the request. Runners hold no per-task state and
// are safe for concurrent use.
//
// Usage:
//
//	runners, err := sandbox.NewRunners(logger, cfg)
//	result, err := runners["high"].Execute(ctx, sandbox.Request{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	    Limits:   sandbox.LimitsFor(cfg.Tiers["high"]),
//	    Timeout:  10 * time.Second,
//	})
package sandbox
