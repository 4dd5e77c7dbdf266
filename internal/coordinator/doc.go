// Package coordinator implements the supervising coordinator agent.
//
// A Coordinator is one long-lived engine call. Its first user turn is the
// directive that created it; further directives, worker questions, worker
// completions and escalation outcomes are pushed into a continuous input
// channel that the engine drains between turns. Instances are single use:
// idle, running, then stopped.
//
// The engine reaches the coordinator's tools over MCP at MCPURL(), a URL
// carrying an unguessable per-instance token. The tools are typed: each input
// is decoded and validated, and failures come back to the model as error
// results with a readable message.
package coordinator
