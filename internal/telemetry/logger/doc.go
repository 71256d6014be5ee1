// Package logger provides structured logging for kvtree.
//
// This package wraps log/slog for structured logging:
//
//   - logger.go: logger configuration and initialization
//   - context.go: context-aware logging with request/trace IDs
//   - redact.go: sensitive data redaction
//
// Features:
//
//   - JSON and text output formats
//   - Log level filtering
//   - Automatic sensitive data masking
//   - Context propagation for request tracing
package logger
