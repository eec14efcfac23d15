// Package command provides the Command Dispatcher for Purifier Core.
//
// The dispatcher is the single funnel through which every speed and power
// change reaches a purifier, regardless of whether it originated from a
// schedule, an override, a manual request, or a post-override restore.
// Centralising dispatch gives one place for retry handling, ack
// correlation, and the durable audit trail.
//
// # Delivery Contract
//
// A Send publishes a JSON envelope to purifier/{device}/command and waits
// for the matching ack on purifier/{device}/ack. If no ack arrives within
// the configured window the identical envelope is re-published, up to the
// retry limit. Exhausting the budget yields a timeout Result rather than
// an error; devices drop offline routinely and callers own that policy.
//
// # Usage
//
//	dispatcher := command.NewDispatcher(client, registry, auditRepo, command.Config{
//	    AckTimeout: cfg.Dispatch.GetAckTimeout(),
//	    MaxRetries: cfg.Dispatch.MaxRetries,
//	    QoS:        cfg.MQTT.QoS,
//	}, log)
//
//	client.Subscribe(mqtt.Topics{}.AllAcks(), 1, dispatcher.HandleAck)
//
//	result, err := dispatcher.Send(ctx, "purifier-hall",
//	    command.ActionSetSpeed, 3, command.SourceManual)
package command
