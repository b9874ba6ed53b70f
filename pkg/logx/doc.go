// Package logx is jobsched's structured logging wrapper around zerolog.
//
// Console output is human readable (short timestamp, file:line caller); the
// optional file sink writes JSON lines. A Service owns the sinks and can be
// reconfigured at runtime; Loggers derived from it follow every Apply.
package logx
