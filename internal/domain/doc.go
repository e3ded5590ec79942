// Package domain holds the core entities shared by every component:
// tenants, credentials, sender domains, DKIM keys, messages, recipients,
// suppression entries, queue jobs, and delivery events. It has no
// dependencies on persistence or transport.
package domain
