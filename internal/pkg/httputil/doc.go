// Package httputil holds the shared HTTP response helpers.
//
// Handlers write every response through these helpers so the JSON
// envelope, error codes, and quota headers stay uniform across the API
// and tracking surfaces.
package httputil
