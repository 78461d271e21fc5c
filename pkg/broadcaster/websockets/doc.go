// Package websockets defines the wire protocol spoken between the hub's
// WebSocket server and the WebSocket transport client.
//
// Every frame is a JSON WireMessage. Requests carry an id ("i") and are
// answered with an ack ("a") or nack ("n") carrying the same id. Channel
// messages have no kind and flow in both directions: the server delivers
// them to subscribers and clients may publish them.
package websockets
