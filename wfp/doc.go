// Package wfp describes the packet-filtering framework the network extension
// plugs into: the values it passes to classify callouts, the verdicts it
// expects back, and the callout/filter/transaction API used to register them.
//
// The framework itself lives outside this module. Package sim provides an
// in-memory implementation for tests and packet replay.
package wfp
