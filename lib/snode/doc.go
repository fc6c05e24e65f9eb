// Package snode holds the immutable service node ("snode") value type, its
// wire decoding and validation, and the RouteSet type shared by swarms and
// onion paths.
//
// A Snode is decoded from a network record with Decode or from a snode list
// with ParseSnodeList. Invalid entries are rejected individually with
// ErrInvalidSnode; one bad entry never poisons the rest of a list.
package snode
