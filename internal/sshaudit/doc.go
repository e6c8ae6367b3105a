// Package sshaudit keeps an audit trail of relay activity.
//
// Every session that opens, closes or fails to connect, and every client
// channel that connects or goes away, becomes one row in the audit_logs
// table and one [ssh-audit] log line. [Auditor] implements both the broker's
// session observer and the gateway's client observer, so wiring it in is a
// matter of handing it to each.
//
// Rows older than the configured retention are removed by
// [Auditor.PurgeOlderThan], which the service schedules alongside history
// pruning.
package sshaudit
