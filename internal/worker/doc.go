// Package worker is the body of a module worker process.
//
// A worker hosts exactly one module. It reads host messages from one pipe
// and writes its own to another (file descriptors 3 and 4 when spawned by
// the supervisor), loads the module into a sandbox, runs init on request
// and feeds each forwarded HTTP request to the module's handler.
//
// The process exit code tells the host why the worker stopped:
//
//	0  the host closed the channel
//	2  bad arguments
//	3  the module failed to load
//	4  the module exceeded its memory ceiling
//	5  the IPC channel broke
package worker
