// Package executor
// Author: momentics <momentics@gmail.com>
//
// Fixed-size worker pool with a single unbounded FIFO task queue, shared by
// all handler dispatch and by the timed rechecks of the connection
// establisher. Submission never blocks; workers drain the queue on close.
package executor
