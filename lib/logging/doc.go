// Package logging configures the loggers of this module.
//
// All packages log through the dragonboat logger facade (logger.GetLogger(name)).
// Importing the package replaces the default factory with one that writes lines of the form
//
//	2025/01/02 15:04:05 INFO  | sqlite     | opened test.db
//
// to stdout. InitLoggers applies one level to every logger of the module.
package logging
