// Package health aggregates independent checks into an ordinal severity.
//
// A Monitor starts in StateInitializing and moves to StateHealthy on its
// first tick. Each tick runs every registered check concurrently; the worst
// result drives the state one step at a time: EscalationThreshold bad ticks
// in a row step up, RecoveryThreshold healthy ticks in a row step down.
// ForceCritical is the only way to skip levels. Critical handlers fire on
// entering critical and again after every bad streak spent there, so owners
// can retry recovery and give up after a bound. Ticks never overlap.
package health
