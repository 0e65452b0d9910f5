// Package domain defines the core business types for the campaign dispatch engine.
//
// Types in this package are plain records with constructor-time validation and
// small pure helpers. They are the shared language between the controller,
// dispatcher, delivery workers, DLQ manager and repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no redis clients, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
package domain
