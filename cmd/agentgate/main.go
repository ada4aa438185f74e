// Agentgate exposes an OpenAI-compatible Chat Completions API backed by a
// local agent CLI. Requests are translated into CLI invocations, multi-turn
// state is kept in an in-memory session store, and streamed CLI output is
// re-framed as Server-Sent Events.
//
// Usage:
//
//	# Start the gateway with config from ./config
//	agentgate serve
//
//	# Inspect which credential mechanism the backend will use
//	agentgate auth
//
//	# Show version information
//	agentgate version
package main

func main() {
	Execute()
}
