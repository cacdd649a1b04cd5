/*
Package sandbox runs one plugin module inside a goja VM.

A module is a directory. Its entry script (index.js by default) and every
file it requires are resolved, checked against the directory, read and
compiled before any of them runs; a require that leaves the directory,
directly or through a symlink, fails the load with ErrSandboxViolation.
Scripts are CommonJS style:

	const fmt = require("./lib/format.js");

	global.init = async function () {
	    process.send(JSON.stringify({ type: "registerRoute", id: "status", path: "/status" }));
	};

	global.handleHttpRequest = async function (raw) {
	    const req = JSON.parse(raw);
	    process.send(JSON.stringify({ id: req.id, status: 200, output: fmt.page(os.uptime()) }));
	};

The VM starts with no I/O at all. The host installs Capabilities at dotted
paths ("console.log", "process.send", "fetch", "os.loadavg"); nested
namespace objects are created on demand and never replaced. Async
capabilities hand the sandbox a promise and run on a host goroutine; sync
ones return directly. Values crossing the boundary are deep copied through
JSON in both directions.

All VM access is funnelled through a single loop goroutine, so module code
never runs concurrently with itself. A memory guard interrupts the VM when
heap growth since construction exceeds Config.MemoryLimit.
*/
package sandbox
