// Package dedupe remembers recently seen command request IDs so an operator
// client that resends a command after reconnecting does not apply it twice.
package dedupe
