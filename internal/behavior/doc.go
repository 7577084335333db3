// Package behavior binds registry records to executable behaviours.
//
// A Table resolves a record first by explicit id registration and then by the
// record's behavior.kind through a registered Factory. Built-in kinds are "log"
// and "http"; the http kind enforces the record's outbound allow-list and can
// obtain bearer tokens from the credential rotation manager.
package behavior
