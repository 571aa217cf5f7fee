// Package execution tracks running orchestration loops.
//
// A Registry holds at most one top-level execution per channel plus any number
// of subagent executions per parent session. Every handle carries a CancelToken;
// cancellation is cooperative and is observed by the loop at iteration
// boundaries and while it waits on the model client.
package execution
