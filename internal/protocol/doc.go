// Package protocol implements the duplex websocket wire contract.
// Inbound messages carry mono float32 audio frames, either base64 encoded
// in text messages or raw in binary messages, plus the STOP sentinel that
// ends a stream. Outbound messages are JSON result objects.
package protocol
