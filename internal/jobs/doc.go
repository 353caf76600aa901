// Package jobs holds the built-in task bodies and their registrations.
package jobs
