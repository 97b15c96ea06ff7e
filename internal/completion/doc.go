// Package completion forwards transcribed text to an OpenAI-compatible
// chat completion endpoint.
package completion
