// Package tabletalk contains the shared types for a conversational
// data-analysis service: chat messages exchanged with a model provider,
// tool definitions and the tool registry, the runner envelope produced by
// sandboxed executions, run capsules, thread messages, and the closed
// error taxonomy.
//
// Concern packages build on these types: sqlpolicy and plan validate and
// compile queries, executor runs them in a sandbox, agent drives the
// reason-act loop, session orchestrates a turn, and server exposes the
// HTTP surface.
package tabletalk
