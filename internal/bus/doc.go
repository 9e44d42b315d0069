// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus implements the correlation bus between the client context and
// the network-processing context.
//
// Every request is stamped with a fresh correlation key and retired by
// exactly one matching reply. A parallel stream sub-protocol delivers
// chunked blob transfers keyed by content hash. Unsolicited events carry no
// correlation key and are dispatched by their (action, name) pair.
package bus
