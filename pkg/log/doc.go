// Package log provides structured protocol logging for CIS-IP2 connections.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, wire, session).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For capture: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("receiver.clog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: Raw chunks as read from or written to the socket (FrameEvent)
//   - Wire: Decoded records (MessageEvent)
//   - Session: Connection and listener state changes (StateChangeEvent)
//
// Decode faults and routing anomalies are ErrorEventData events.
//
// # File Format
//
// Log files use CBOR encoding with .clog extension. The cisip-log CLI tool
// provides viewing, statistics and export.
package log
