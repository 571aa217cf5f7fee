// Package agent implements the orchestration core: the four-phase mode state
// machine (initializer, explore, plan, perform), the AgentContext it mutates,
// the closed set of tool calls that are the only write path into that
// context, and the Orchestrator loop that drives a model client one iteration
// at a time until the session finishes, fails, or is cancelled.
package agent
