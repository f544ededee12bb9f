// Package vis implements a vehicle signal access service in which clients
// read, write and subscribe to dotted signal paths such as
// Signal.Drivetrain.InternalCombustionEngine.RPM over persistent,
// bidirectional connections. The protocol follows the W3C Vehicle
// Information Service Specification's core access model.
//
// The package provides the signal engine (Service), protocol servers over
// WebSocket, Server-Sent Events and standard I/O, a matching Client, and
// producer integration for feeding signal values from timers, simulation
// files or a NATS subject.
package vis
