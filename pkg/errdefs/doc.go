/*
Package errdefs defines the error classification shared across the
daemon. Every error that crosses a package boundary carries a Kind, so
callers branch on classification instead of string matching, and the
API layer maps kinds onto HTTP status codes in one place.
*/
package errdefs
