// Package api is the coordinator's HTTP boundary: a small REST surface for
// clients (task submission, polling, SSE streaming, network monitoring), the
// /ws/node websocket endpoint workers connect through, and the operational
// endpoints (/health, /ready, /livez, /metrics).
package api
