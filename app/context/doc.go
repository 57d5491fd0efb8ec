// Package context defines the application context shared by commands.
//
// It is a separate package only so that both app and cli can depend on it
// without importing each other.
package context
