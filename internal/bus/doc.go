// Package bus provides the in-process broadcast channel that fans routed
// gateway events out to every live dashboard view.
package bus
