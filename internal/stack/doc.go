// Package stack is the owning context of a shortstack application: its
// config, logger, metrics, router and the ordered boot pipeline that brings
// them up.
//
// A Stack is configured single-threaded (units added, controllers mounted)
// and then booted once. Boot units receive the stack and its config when
// they are added and run in the resolved order when Boot is called.
package stack
