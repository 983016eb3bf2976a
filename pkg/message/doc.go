// Package message defines the envelope exchanged between reo components and
// its wire codec.
//
// # Overview
//
// Components that run in separate processes (a visual monitor on one host and
// the orchestrator on another, an agent asking for a scan) talk through a
// flat envelope with a closed set of types. Every envelope is serialized as a
// single line of compact JSON terminated by '\n'. Compact JSON escapes every
// control character inside strings, so the delimiter can never occur inside
// a payload and receivers may split the stream on newlines alone.
//
// # Types
//
// The type enum is closed: a receiver that meets a type outside the enum
// reports ErrUnknownType and drops the frame. Requests carry an ID; replies
// carry the request's correlation id (or its ID when the request had none),
// so ping/pong and scan_request/scan_result pairs can be matched.
//
// # Usage Example
//
//	msg, err := message.New(message.TypeScanRequest, "cli", message.ScanRequest{
//		Value:     100,
//		ValueType: "int32",
//		ScanType:  "exact",
//	})
//	frame, err := message.Encode(msg) // {"id":...,"type":"scan_request",...}\n
//
//	decoded, err := message.Decode(frame)
//	var req message.ScanRequest
//	err = decoded.DecodePayload(&req)
package message
