// Package p2p is the peer network protocol layer of a Paraloom node. It establishes an
// authenticated libp2p identity, joins a GossipSub overlay and runs a single event loop that
// merges inbound network events with a bounded outbound message queue, handing received
// messages to one dispatcher.
package p2p
