// Package domain holds the orchestrator's data model: run-specs, groups,
// instances, tasks, reservations and deployment plans. Types here are plain
// records — no wire format, no persistence logic, no behavior beyond small
// pure helpers. Serialization lives at the storage and API-adapter
// boundaries; this package never imports them.
package domain
