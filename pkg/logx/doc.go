// Package logx configures wardend's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional mirror sink (min-level + rate limiting), used to copy
//     warnings into the event journal
package logx
