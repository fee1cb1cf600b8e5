// Package sshaudit keeps the connection history of the client.
//
// [Auditor] implements the session manager's Auditor hook. Every session
// event (connect, failure, shell exit, reconnect, transfer, disconnect) is
// written to the connection_logs table and the standard logger. A successful
// connect also bumps the profile's usage counter and last-used timestamp,
// which the launcher's "recent" listing reads back.
//
// # Retention
//
// History is kept for [DefaultRetentionDays] unless configured otherwise.
// [Auditor.PurgeOlderThan] is run periodically by the launcher's scheduler.
//
// # Usage
//
//	a, err := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
//	mgr := sshsession.NewManager(sshsession.Options{Dialer: d, Auditor: a})
//
//	res, err := a.Query(sshaudit.QueryOptions{EventType: "connect_failed", Limit: 20})
//
// # Log Prefixes
//
// Audit log messages use the [audit] prefix.
package sshaudit
