// Package health provides composable probes and the liveness and readiness
// handlers served on the ops listener.
//
// Probes combine with [All] (AND) and [Any] (OR). [ShutdownGate] fails
// readiness as soon as shutdown begins so load balancers stop routing before
// in-flight requests are drained. [LoaderProbe] checks that a resource can
// still be opened from a loader.
package health
