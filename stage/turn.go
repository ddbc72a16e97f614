// Copyright (C) 2024 Cairn Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package stage implements the bounded staging cache and background
// flusher that sit in front of the embed/quantize/encrypt/append
// pipeline: a capacity- and TTL-triggered FIFO of chat turn pairs,
// drained non-blockingly to a single worker goroutine that embeds and
// hands batches to the orchestrator, retrying failed batches with
// bounded exponential backoff.
package stage

// Turn is a single chat message: either the user's input or the
// assistant's reply. It is immutable once constructed.
type Turn struct {
	Role        string
	Content     string
	TimestampMs uint64
}

// TurnPair is a completed (input, output) exchange, produced by the
// host once the assistant's reply is available.
type TurnPair struct {
	Input  Turn
	Output Turn
}

// StorageTimestampS is the timestamp written to disk for records
// produced from this pair: the output turn's timestamp, converted
// from milliseconds to seconds, per the data model's storage rule.
func (p TurnPair) StorageTimestampS() uint64 {
	return p.Output.TimestampMs / 1000
}
