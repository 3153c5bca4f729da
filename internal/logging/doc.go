// Package logging wraps log/slog with the handlers, attribute helpers, and
// standardized field keys used across Loom.
//
// Components receive loggers via NewComponentLogger so every line carries a
// component attribute, and WithContext augments loggers with request, stage,
// and correlation fields extracted from the context. Two output formats are
// supported: a compact console format for interactive use and JSON for log
// aggregation.
package logging
