// Package logx is mailpace's structured logger, a thin layer over zerolog.
//
// A Logger obtained from a Service follows every Service.Apply, so the
// level and sinks can change on config reload without handing new loggers
// around. Console output is human readable with a short caller; file output
// is JSON, one object per line.
package logx
