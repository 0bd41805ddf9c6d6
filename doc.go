// Package nyuki is a runtime for long-lived network agents that connect to
// a federated, XMPP-style message bus and expose named, schema-typed
// capabilities. A capability is reachable both over the bus (iq stanzas
// keyed by correlation id) and over a local HTTP control API.
//
// An agent is assembled from a validated configuration:
//
//	cfg, err := config.Load("conf.json")
//	if err != nil { ... }
//	agent, err := nyuki.New(cfg)
//	if err != nil { ... }
//	agent.RegisterCapability(capability.New("echo", echoHandler))
//	agent.Subscribe(ctx, "alerts", onAlert)
//	err = agent.Run(ctx)
//
// Run blocks until the context is cancelled or a fatal error occurs. The
// bus connection survives transport drops: the session reconnects with
// jittered exponential backoff, replays topic subscriptions, and
// retransmits stanzas the bus has not acknowledged.
package nyuki
