// Package app holds the notification hub and process-wide helpers shared by
// the session orchestrator and its trackers.
//
// Responsibilities:
// - Broadcast state, petition, wallet and payment events to listeners.
// - Hand UI-bound events to the UI dispatcher without holding locks.
// - Provide the default privacy-sanitized logger.
package app
