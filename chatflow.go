// Package chatflow compiles visually authored chatbot flows into an
// executable graph and runs them as interactive conversations.
//
// This file provides convenience re-exports for the most commonly used
// types and constructors. For new code, consider importing subpackages
// directly for clearer dependencies:
//
//	import "github.com/petal-labs/chatflow/compiler"
//	import "github.com/petal-labs/chatflow/engine"
//	import "github.com/petal-labs/chatflow/core"
package chatflow

import (
	"github.com/petal-labs/chatflow/compiler"
	"github.com/petal-labs/chatflow/core"
	"github.com/petal-labs/chatflow/engine"
)

// Type aliases from the core package.
type (
	// NodeKind identifies the behavioral category a node compiles to.
	NodeKind = core.NodeKind

	// EngineStatus is the engine's run state.
	EngineStatus = core.EngineStatus

	// ChatMessage is one rendered bot message.
	ChatMessage = core.ChatMessage

	// Channel identifies the messaging surface a flow is previewed against.
	Channel = core.Channel
)

// Type aliases from the compiler package.
type (
	// EditorNode is a node as authored on the canvas.
	EditorNode = compiler.EditorNode

	// EditorEdge is a directed connection as authored on the canvas.
	EditorEdge = compiler.EditorEdge

	// Graph is the compiled form of one flow.
	Graph = compiler.Graph
)

// Type aliases from the engine package.
type (
	// Engine executes one flow at a time.
	Engine = engine.Engine

	// Options configures an Engine.
	Options = engine.Options

	// Event is a structured record of something that happened during a run.
	Event = engine.Event
)

// Compile builds a Graph from editor nodes and edges.
func Compile(nodes []EditorNode, edges []EditorEdge) *Graph {
	return compiler.Compile(nodes, edges)
}

// NewEngine creates an engine with the given options.
func NewEngine(opts Options) *Engine {
	return engine.New(opts)
}
