// Package websocket bridges browsers onto the fabric.
//
// Each websocket connection gets its own fabric client, named by the "name"
// query parameter (ws://host:8080/ws?name=step-ui). The browser then speaks
// JSON frames:
//
//	{"type":"subscribe","id":"1","topic":"microdrop/{plugin}/state/{property}"}
//	{"type":"unsubscribe","id":"2","topic":"microdrop/{plugin}/state/{property}"}
//	{"type":"publish","id":"3","topic":"microdrop/ui/state/route","payload":{...},"retain":true}
//	{"type":"trigger","id":"4","plugin":"dropbot","action":"home","payload":{...},"timeout_ms":5000}
//	{"type":"put","id":"5","plugin":"dropbot","property":"voltage","payload":80}
//	{"type":"get_state","id":"6","plugin":"dropbot","property":"voltage"}
//
// The gateway answers every request with a "result" or "error" frame carrying
// the same id, and relays matched fabric messages as "message" frames with
// the topic, pattern parameters and payload. Error frames have a code:
// invalid, timeout, remote, busy, transport or internal. A remote failure
// carries the callee's response as payload.
//
// Calls run concurrently with the read loop, but a peer's client still makes
// one call at a time; a second call while one is pending fails with "busy".
package websocket
