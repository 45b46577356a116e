// Package broker decouples message delivery from message processing.
//
// Each node owns one Broker: transport readers and operator commands enqueue
// inbound messages from any goroutine, a single loop feeds them to the node's
// state machine one at a time, and the transport sender drains the outbound
// queue in publication order.
package broker
