// Package gossip is the node's view of the shared publish/subscribe topic.
// It defines peer identity, the partial view of topic members that
// publishes fan out to, and the transports that carry envelopes between
// peers (TCP with msgpack framing, and an in-process network for tests).
//
// Typical usage:
//
//	tr, _ := gossip.NewTCPTransport(id, gossip.TCPConfig{BindAddr: "127.0.0.1:4001"}, log)
//	topic := gossip.NewTopic("chat", tr, log)
//	go topic.Run(ctx)
//	topic.AddPeer(peerID, "10.0.0.7:4001")
//	_ = topic.Publish(ctx, []byte("hello"))
//
// Dissemination is direct: a publish reaches every member of the partial
// view and receivers do not forward. Membership itself is driven from the
// outside through AddPeer and RemovePeer.
package gossip
