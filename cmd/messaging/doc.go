// Package messaging implements duet's two-party conversation domain.
//
// It contains the canonical data model (Conversation, Message), the
// conversation identity resolver, and the store boundary used by HTTP,
// WebSocket and client layers.
//
// This package is intentionally dependency-light: storage drivers are the
// only third-party code it touches.
package messaging
