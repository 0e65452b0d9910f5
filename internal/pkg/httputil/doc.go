// Package httputil holds the JSON response and request helpers shared by
// the control API handlers, so every endpoint uses the same error envelope.
package httputil
