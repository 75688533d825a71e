// Package logx configures shardex's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - console output readable (short timestamp and caller)
//   - file output as JSON lines
//   - level and sink changes live across config reloads
package logx
