// Package session implements the subscribe side of a MoQ Transport
// (draft-15) connection: setup handshake, subscription bookkeeping under
// the server's request-id ceiling, catalog exchange, and demux of
// interleaved unidirectional media streams into per-track callbacks.
//
// A session runs two concurrent tasks for its lifetime: the control
// reader (SUBSCRIBE_OK/ERROR, MAX_REQUEST_ID, GOAWAY), and the uni-stream
// accept loop, which starts one reader per stream to handle the catalog
// object or a media subgroup. The accept loop starts before any
// media subscribe is issued, because a keyframe can arrive on a data
// stream before its SUBSCRIBE_OK is processed on the control stream.
package session
