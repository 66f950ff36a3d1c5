// Package agentloop drives tool-using language-model agents: it streams a
// model's response, dispatches the tool calls the model emitted, feeds
// the results back, and decides whether to loop again.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - AgentLoop / AgentLoopContinue: one loop invocation — the turn
//     cycle of compaction, provider call (with retry), tool scheduling,
//     and steering/follow-up injection, emitting ordered events
//     throughout.
//   - Agent: the stateful wrapper owning the conversation, the tool set,
//     the steering and follow-up queues, the in-flight guard, and the
//     save/restore persistence hooks.
//   - Tool: the contract a tool implements; the scheduler dispatches
//     calls sequentially, in parallel, or in batches, with steering
//     checkpoints between dispatches.
//   - ContextTracker / CompactMessages: hybrid token accounting and the
//     tiered compactor (truncate tool outputs, summarize old turns, drop
//     the middle).
//   - EventEmitter: a single-producer/single-consumer unbounded ordered
//     event stream; the loop never blocks on slow consumers.
//   - SubAgentTool: delegation of a tool call to a nested loop with its
//     own prompt, model, tools, and turn cap.
//
// # Quick Start
//
//	model := unifiedllm.AnthropicModel("claude-sonnet-4-5", "Claude Sonnet")
//	agent := agentloop.NewAgent(unifiedllm.NewAnthropicProvider(),
//	    agentloop.WithModel(model),
//	    agentloop.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")),
//	    agentloop.WithSystemPrompt("You are helpful."),
//	    agentloop.WithTools(myTool),
//	)
//
//	events, err := agent.Prompt(ctx, "Read main.go and summarize it")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range events {
//	    switch ev.Kind {
//	    case agentloop.EventMessageUpdate:
//	        fmt.Print(ev.Delta.Delta)
//	    case agentloop.EventToolExecutionStart:
//	        fmt.Printf("\n[%s]\n", ev.ToolName)
//	    }
//	}
//
// While an invocation runs, Steer injects user messages between tool
// dispatches and FollowUp queues work for after the loop would stop;
// Abort cancels promptly and still delivers a final agentEnd event.
package agentloop
