// Package logx is a thin zerolog wrapper: readable console output with a
// short caller, JSON file output, and a Service that hot-swaps levels and
// sinks on config reload while handed-out Loggers keep working.
package logx
