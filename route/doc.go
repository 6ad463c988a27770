// Package route implements the per-client route table.
//
// Routes pair a pattern topic with a handler. Dispatch runs every matching
// handler in registration order; a handler that fails or panics is logged and
// the rest still run. Empty and non-JSON payloads are dropped with a warning
// before any handler sees them.
//
// The table counts routes per broker filter so the owner subscribes a filter
// when its first route is added and unsubscribes it only when the last one
// goes away.
//
// Routes added with Inline run on the caller's goroutine through
// DispatchInline. The fabric client uses them for call-layer replies so a
// reply can resolve a pending call even while the regular dispatch loop is
// busy.
package route
