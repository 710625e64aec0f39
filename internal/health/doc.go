// Package health provides composable probes and the liveness and readiness
// handlers that serve them.
//
// [ShutdownGate] fails readiness as soon as drain starts so load balancers
// stop routing before in-flight requests finish.
package health
