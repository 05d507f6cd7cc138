// Package transport is the platform abstraction the relay core talks to.
//
// A platform adapter implements Connector (session setup), Conn (an event
// source plus an outbound Sink) and reports failures as *Error values so the
// retry layer can classify them without knowing the platform.
package transport
