package discovery

import (
	"slices"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeReceiverTXT creates TXT records for a receiver advertisement.
// Empty fields are left out.
func EncodeReceiverTXT(info *ReceiverInfo) TXTRecordMap {
	txt := make(TXTRecordMap)
	if info.Model != "" {
		txt[TXTKeyModel] = info.Model
	}
	if info.Firmware != "" {
		txt[TXTKeyFirmware] = info.Firmware
	}
	if info.MAC != "" {
		txt[TXTKeyMAC] = info.MAC
	}
	return txt
}

// TXTRecordsToStrings converts a TXT record map to "key=value" strings in
// key order.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+txt[k])
	}
	return out
}

// StringsToTXTRecords parses "key=value" strings. Keys are case-insensitive
// and stored lower case; a string without "=" is a key with an empty value.
func StringsToTXTRecords(records []string) TXTRecordMap {
	txt := make(TXTRecordMap, len(records))
	for _, rec := range records {
		if rec == "" {
			continue
		}
		key, value, _ := strings.Cut(rec, "=")
		key = strings.ToLower(key)
		if _, dup := txt[key]; dup {
			// The first occurrence wins (RFC 6763 section 6.4).
			continue
		}
		txt[key] = value
	}
	return txt
}
