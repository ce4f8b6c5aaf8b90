// Package sshterminal brokers interactive SSH shell sessions to browser
// viewers.
//
// A [Registry] owns every [Session]. A session is created empty, then gains a
// single PTY-backed [Shell] through [Registry.Connect] (which dials via
// [OpenChannel]) or [Registry.Attach]. One pump goroutine per session reads
// the channel's ordered event stream, runs each chunk through the session's
// [MarkerScanner] and hands it to the session's [Broadcaster], which delivers
// it to every [Subscriber] in order.
//
// Viewer keystrokes go through a per-viewer [InputCoalescer] that merges
// input arriving within the debounce window into one write.
//
// # Teardown
//
// Explicit removal, remote close and idle reaping all end in
// [Registry.Remove]. The first call flushes pending input, broadcasts
// [CloseNotice] if the shell was live, closes the channel in the background
// and terminates every subscriber exactly once. Later calls do nothing.
//
// # Limits
//
// Input submissions are capped at [MaxInputMessageSize] and rate limited per
// session. Resize requests are clamped to [MaxTermCols] x [MaxTermRows].
package sshterminal
