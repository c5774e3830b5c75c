package broker

import "time"

// missedHeartbeats is how many intervals a client may stay silent.
const missedHeartbeats = 3

func (b *Broker) heartbeatLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			b.heartbeat(now, interval)
		case <-b.done:
			return
		}
	}
}

// heartbeat sends a HEARTBEAT frame to every client and disconnects the
// ones that have been silent too long.
func (b *Broker) heartbeat(now time.Time, interval time.Duration) {
	deadline := missedHeartbeats * interval
	for _, c := range b.snapshotClients() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			b.logger.Warn().
				Str("client_id", c.ID).
				Dur("idle", idle).
				Msg("heartbeat timeout, closing connection")
			b.Disconnect(c.ID)
			continue
		}
		b.keepalive(c, now)
	}
}
