// Package reaper provides the background maintenance loops: the orphan
// reaper, which cancels jobs whose external execution has drifted to
// terminated or absent; the work failer, which times out stuck running
// items into the normal retry path; and retention cleanup of terminal job
// artifacts. The loops run independently of request handling.
package reaper
