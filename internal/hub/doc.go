// Package hub implements the relay server peers connect to. It groups
// connections into rooms, broadcasts every message to the whole room and
// keeps idle connections alive with text pings.
package hub
