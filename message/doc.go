// Package message implements the fabric's message envelope.
//
// Every payload on the wire is UTF-8 JSON. Objects may carry a sender header:
//
//	{"...domain fields...": ..., "__head__": {"plugin_name": "ui", "plugin_version": "1.0"}}
//
// The header is the only correlation mechanism: a plugin answering a put or
// trigger publishes a Reply on {ns}/{self}/notify/{plugin_name}/{action}.
// Payloads without a header cannot be answered.
//
// Reads go through gjson so handlers can pick single fields without decoding
// the whole payload; header injection goes through sjson so domain fields keep
// their original encoding.
package message
