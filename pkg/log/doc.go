/*
Package log provides structured logging for the Iris coordinator built on
zerolog.

Call Init once at process startup, then use the package-level Logger or the
WithComponent / WithNodeID / WithTaskID helpers to create child loggers that
carry consistent correlation fields. Console output is human-readable for
interactive use; JSON output is intended for aggregation.
*/
package log
