// Package dispatch is the single inbound entry point of a connection.
//
// For each frame the Dispatcher decodes it, expands compact groups, settles
// the pending request named by the first identifier field present, then
// publishes the message under its keys in order:
//
//	stream:<id>                  standing listener of a subscription request
//	type:<MsgType>               every message of the type
//	type:<MsgType>/<field>=<v>   configured fan-out fields (ExecType, Symbol)
//
// A message that settles its request is not also delivered on that request's
// stream key. Messages with an identifier that neither settle a request nor
// reach any subscriber are counted as unmatched.
package dispatch
