// Package pkg provides shared utilities for the softsd SD/MMC stack.
//
// This package contains common functionality used across the protocol core
// and the host-controller transports, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for SD/MMC protocol and controller errors
//   - Component identifiers for log filtering
//
// The package is designed to have zero external dependencies, relying
// only on the Go standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with SD-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentInit, "card initialized", "capacity", cap)
//
// # Errors
//
// Common SD/MMC errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrMediaChanged) {
//	    // Stop issuing I/O and wait for re-enumeration
//	}
package pkg
