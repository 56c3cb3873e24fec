// Package conversation drives a chat session between a user and an agent.
//
// # Orchestrator
//
// The Orchestrator owns the session lifecycle. One goroutine (Run) holds all
// mutable state; public methods post commands to it and wait for their reply,
// and channel frames, negotiation results and save results come back as
// events tagged with the session they belong to.
//
//	o := conversation.New(cfg, threads, logger)
//	go o.Run(ctx)
//	err := o.SelectAgent(ctx, "travel_agent")
//
// States move Idle -> ConnectingPrimary -> Active. Any change of target
// (another agent, another thread, a new thread, a design override) passes
// through SwitchingTarget: both channels of the old session are closed, a
// new session ID is minted, and events from the old session are discarded.
//
// # Persistence
//
// The Gate saves each locally created message exactly once. HUMAN messages
// are saved as soon as they are observed. AI messages are held until widget
// negotiation resolves so the widget lands in the same write. SYSTEM
// messages are never saved.
//
// # Views
//
// Every change publishes a View. Snapshot returns the latest one and
// Subscribe streams them; slow subscribers skip intermediate views.
package conversation
