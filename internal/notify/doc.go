// Package notify pushes operator notices to an external chat room when a
// worker question or coordinator escalation needs a human answer.
package notify
