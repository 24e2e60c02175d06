// Package logx configures pulsetimer's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Library call sites cheap when logging is disabled (zero Logger is a no-op)
package logx
