// Package logx provides a small structured logging facade over zerolog.
//
// Components accept a logx.Logger value; the zero value is a safe no-op, so
// wiring a logger is never mandatory. The Service variant supports swapping
// sinks and levels at runtime (used by config hot-reload).
package logx
