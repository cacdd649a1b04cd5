/*
Package http holds the gin handlers of the host: the admin endpoints under
/_maitre/ and the proxy that forwards every other request to the module
owning its path.

A module response is relayed as-is: a string output becomes an HTML body,
any other JSON value a JSON body, with the module's status (default 200)
and headers. Dispatch failures map to 404 (no route, no static file),
500 (worker gone), 502 (malformed response) and 504 (timeout).
*/
package http
