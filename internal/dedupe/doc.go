// Package dedupe tracks which messages are in flight to, or already held by,
// the durable store so that each logical message is saved exactly once.
//
// A Set maps keys to one of two states. Temporary tracking keys are marked
// InFlight while a save is outstanding; when the store assigns an ID the
// temporary key is promoted and survives only as an alias of the durable ID,
// so a repeated lookup by either key reports the message as handled.
package dedupe
