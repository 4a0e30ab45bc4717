// Package deck composes the session engine, event router, run registry and
// store into one supervised graph and exposes the local surfaces consumed
// by dashboard views: the event and run subscriptions and the HTTP health
// endpoint.
package deck
