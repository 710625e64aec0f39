// Package ratelimit is per-client-ip token bucket limiting for the site
// listener.
//
// State is in memory and per instance. It blunts a single address flooding
// the process and counts who got turned away; distributed floods belong to
// the upstream edge.
package ratelimit
