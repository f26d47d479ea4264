// Package rules loads the routing and policy document.
//
// The document is YAML with a global block and an ordered list of routes.
// Each route block is merged over the global block field by field, so a
// route only states what differs. The result of loading is a [Plan]: one
// fully resolved [Policy] per route plus the global catch-all.
//
// Documents come from a local file, an SSM parameter or an S3 object. A
// [Watcher] can poll the source and swap the active plan in a [Manager] when
// the document changes.
package rules
