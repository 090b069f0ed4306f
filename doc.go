// Package tapestry is a multi-agent orchestration fabric built on the A2A
// protocol. One orchestrator plans, routes and supervises work across a
// registry of specialized remote agents, keeping durable per-thread state
// so long-running jobs survive restarts and interrupts.
//
// # Quick Start
//
// Install the orchestrator:
//
//	go install github.com/tapestry-ai/tapestry/cmd/tapestry@latest
//
// Point it at a configuration:
//
//	server:
//	  port: 8000
//	llm:
//	  provider: openai
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
//	agents:
//	  - name: crm-agent
//	    endpoint: http://crm-host:8001/a2a
//
// Start serving:
//
//	tapestry serve --config tapestry.yaml
//
// # Architecture
//
// Clients speak JSON-RPC over HTTP (with SSE streaming) to the A2A server.
// The engine decomposes each request into a plan, dispatches tasks to the
// best-fit agent, replans when results demand it, and summarizes the run.
// A WebSocket control plane carries interrupts, approvals and progress
// notifications for threads running in the background.
//
//	Client → A2A Server → Engine → Registry → Remote agents (A2A)
//	              ↑           ↓
//	         Control plane  Store (sqlite/postgres/mysql)
//
// Packages under pkg/ are importable on their own: pkg/a2a for the wire
// protocol and client, pkg/engine for the plan-and-execute loop, pkg/state
// for durable thread state, pkg/registry for agent discovery and health.
package tapestry
