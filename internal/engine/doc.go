// Package engine defines the media processing engine contract and its FFmpeg
// implementation. An engine runs one task's job as a child process, reports
// progress while it works, and can be killed out-of-band when the task is
// cancelled or reaped.
package engine
