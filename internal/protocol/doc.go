// Package protocol implements the Socket.IO v5 / Engine.IO v4 text framing
// spoken by the processing service, plus its request and response payloads.
package protocol
