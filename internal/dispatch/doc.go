// Package dispatch turns inbound channel messages into orchestration runs.
//
// Submitted messages are recorded in a Store and their ids are published on a
// Queue (in-memory, Redis list or RabbitMQ). A Dispatcher consumes ids with a
// worker pool, registers a top-level execution for the message's channel,
// resumes or creates the session context and drives the orchestrator until a
// terminal outcome. Service is the facade used by HTTP handlers and channel
// adapters for submission, status queries, stops and subagents.
package dispatch
