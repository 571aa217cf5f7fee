// Package api exposes the starkd REST surface: channel message intake,
// session status, task deletion, stop and stop-and-wait for channels,
// subagent management, health checks and Prometheus metrics.
package api
