// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Kernel components themselves are silent; logging happens at the assembly
// (lifecycle, per-core loops) and at the introspection edge. The few hot-path
// call sites keep to Debug level.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("kernel initialized", zap.String("boot_id", boot.String()))
//	logger.Error("device mapping failed", zap.Error(err))
package logging
