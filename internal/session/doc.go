// Package session persists orchestration contexts between iterations.
//
// Every store implements agent.Checkpointer, so the loop can save its context
// after each iteration and a restarted process can load it and resume. Keys
// are the decimal session id for top-level executions and
// "subagent:<execution id>" for subagents.
package session
