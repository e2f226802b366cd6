// Package observability provides structured logging and Prometheus metrics
// for the chat gateway.
//
// All pipeline stages (rate limiting, provider fallback, tool execution and
// billing) report through the Metrics collector so operators can see which
// provider served traffic and what it cost.
package observability
