// Package topic implements the fabric's topic grammar.
//
// Topics are "/"-separated; the first segment is the namespace. The second
// segment or the third selects the message kind:
//
//	{ns}/put/{plugin}/{property}             request to change a property
//	{ns}/{plugin}/state/{property}           retained last-known value
//	{ns}/trigger/{plugin}/{action}           request for work
//	{ns}/{plugin}/notify/{receiver}/{action} directed reply
//	{ns}/{plugin}/signal/{event}             broadcast event
//	{ns}/status/{plugin}                     retained lifecycle status
//	{ns}/{plugin}/error/{property}           property error report
//
// Pattern topics replace whole segments with "{name}" or a final "{*}". They
// compile to a broker filter ("+" and "#") and a matcher that recovers the
// named values from a concrete topic:
//
//	p := topic.MustCompile("microdrop/{plugin}/state/{property}")
//	p.Wildcard()                                   // microdrop/+/state/+
//	p.Match("microdrop/device-model/state/device") // {plugin: device-model, property: device}, true
package topic
