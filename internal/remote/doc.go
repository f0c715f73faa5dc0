// Package remote is the editor's client for the demo store.
//
// The store knows three calls: creating a demo, updating a demo it has
// already assigned an id to, and listing the demos of a profile. A save is
// a create when the state carries no demoId or no owner, which is how the
// store itself tells them apart. Updates and listings are idempotent.
// Creates are not: a create whose response was lost may have stored the
// demo, and sending it again stores a second one.
//
// Every failure is an *Error naming the Op and a Kind. Whether an attempt
// is retried follows from the pair:
//
//   - KindUnreachable, KindThrottled and KindUnavailable: the store never
//     handled the request. Retried for every Op.
//   - KindTimeout, KindBroken and KindServer: the outcome is unknown.
//     Retried for updates and listings, never for creates.
//   - every other Kind is final.
//
// A breaker sits in front of every attempt, not every call. It counts each
// attempt that failed in a way that says the store is unhealthy, so an
// update or listing that exhausts its retries weighs MaxRetries+1 failures
// while a create, which is not retried on those failures, weighs one. While
// the breaker is open, calls fail with KindCircuitOpen; after the cooldown a
// single trial attempt goes out and its outcome closes or reopens the breaker.
package remote
