// Package contextcache shares work item snapshots and task results between
// the agents of a coordination run.
//
// A Cache is built with New and started with Init, which loads the work
// item document, schedules a cron sweep of expired entries every TTL/2 and,
// when WatchPath is set, invalidates snapshots as soon as the document file
// changes on disk. Close stops both and clears the cache.
package contextcache
