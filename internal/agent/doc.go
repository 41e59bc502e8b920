// Package agent runs the user's session with the remote agent backend. It
// seeds the conversation log from history, keeps the session channel open,
// feeds inbound events into the conversation state machine and sends the
// user's queries.
package agent
