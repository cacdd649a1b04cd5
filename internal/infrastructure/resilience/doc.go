/*
Package resilience provides the circuit breaker used by outbound calls made
on behalf of sandboxed modules.

A Breaker is closed while its upstream behaves, opens once Trip says so, and
after Cooldown admits a limited number of trial calls (half-open). Trials
that all succeed close it again; any trial failure reopens it.

	Closed --[Trip]--> Open --[Cooldown]--> Half-Open --[Trials ok]--> Closed
	                     ^                      |
	                     +------[failure]-------+

Group keeps one breaker per key, so that one misbehaving host does not
block calls to the others:

	hosts := resilience.NewGroup(resilience.Settings{Cooldown: 10 * time.Second})
	err := hosts.Do(u.Host, func() error {
		_, err := client.Get(u.String())
		return err
	})
*/
package resilience
