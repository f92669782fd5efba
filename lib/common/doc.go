// Package common holds the ambient pieces shared by the library and the CLI:
//
//   - Config: the settings needed to open a Deposit, with validation and a
//     human readable String() used by the info command
//   - Logging: a dragonboat logger.Factory that writes "LEVEL | package | message"
//     lines, plus InitLoggers/ParseLogLevel
//   - Metrics: named VictoriaMetrics counters for adapter failures, evictions,
//     query memoization and transactions
package common
