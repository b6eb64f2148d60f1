// Package logx is correctord's structured logging: a small Logger value
// over zerolog with typed fields, a Service whose sinks (console, JSON
// file) can be swapped at runtime, and a per-key throttle for repeated
// warnings.
package logx
