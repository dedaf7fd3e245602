// Package discovery finds CIS-IP2 receivers on the local network with
// mDNS/DNS-SD.
//
// # Service
//
// Receivers are looked up by DNS-SD service type, "_cisip2._tcp" in the
// "local" domain unless configured otherwise. The instance name is the
// receiver's friendly name; TXT records may carry:
//
//   - model: model name (e.g. "STR-AN1000")
//   - fw: firmware version
//   - mac: MAC address
//
// Missing TXT records are not an error.
//
// # Aggregation
//
// mDNS answers arrive once per interface and address family. Browse merges
// them by instance name, so each receiver is reported once with all of its
// addresses.
//
// The simulator advertises itself with Advertiser so that cisip-ctl
// discover finds it.
package discovery
