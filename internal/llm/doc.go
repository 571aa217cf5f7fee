// Package llm defines the capability interface the orchestrator uses to talk
// to language models. Provider adapters live in sub-packages (openai,
// anthropic, ollama) and translate the provider wire format into Request and
// Response values, including tool definitions and tool calls.
package llm
