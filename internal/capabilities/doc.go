// Package capabilities provides the host functions installed into every
// module sandbox.
//
// The set is fixed by the host:
//   - console.log, console.info, console.warn, console.error, console.debug
//     write to the worker's structured log
//   - process.send emits a protocol message to the host
//   - fetch performs a restricted outbound HTTP request
//   - html.sanitize, html.escape, html.text, html.select and html.xpath
//     parse and clean markup
//   - os.loadavg, os.totalmem, os.freemem, os.uptime are synchronous readouts
//
// Sandboxed code cannot add to it.
package capabilities
