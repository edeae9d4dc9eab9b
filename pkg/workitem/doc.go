// Package workitem holds the work item data model and the document store
// the coordinator and agents read and update.
//
// The whole document is loaded and saved at once. FileStore persists it as
// YAML and replaces the file atomically; MemoryStore is used by tests. An
// Updater funnels every read-modify-write through the "store" lane of a
// command queue so writers inside one process are serialized.
package workitem
