// Package bpf provides the interface to the hook-execution engine that runs
// the classification programs attached to the network extension.
//
// A Registry hands out one Registration per hook type. Dispatchers gate every
// invocation on Registration.Enter, which fails fast while no program is
// attached or while the provider is being torn down. Unregistering a provider
// drains callers that already entered; it never waits for new ones.
//
// This package holds the layer context records passed to programs, but contains
// no knowledge of the packet-filtering framework that produces them.
package bpf
