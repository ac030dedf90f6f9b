// Package protocol owns the OECT tester wire contract.
//
// Ownership boundary:
// - command frame layout and parameter packing
// - raw sample stream decoding and ADC conversion
// - terminator tables and tail matching
package protocol
