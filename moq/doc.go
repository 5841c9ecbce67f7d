// Package moq implements the MoQ Transport (draft-15) wire codec used by
// the glass player: control-message framing and the used message set in
// both directions, subgroup data-stream framing with LOC object extension
// headers, and the pull-style stream reader the session layer drains QUIC
// streams through.
package moq
