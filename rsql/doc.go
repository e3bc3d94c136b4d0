// Package rsql provides a mysql backed txrelay.CursorStore so a relay
// resumes from its last checkpointed version after a restart.
package rsql
