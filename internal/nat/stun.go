// Package nat discovers the address viewers outside the LAN can use to
// reach the host.
package nat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// ErrNoMapping is returned when the STUN server gave no usable address.
var ErrNoMapping = errors.New("no public mapping")

// Discover sends a STUN binding request to server and returns the public
// address the request was seen from.
func Discover(ctx context.Context, server string) (*net.UDPAddr, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, fmt.Errorf("stun dial %s: %w", server, err)
	}
	c, err := stun.NewClient(conn, stun.WithRTO(200*time.Millisecond))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stun client: %w", err)
	}
	defer c.Close()

	type result struct {
		addr *net.UDPAddr
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		err := c.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				res.err = fmt.Errorf("%w: %w", ErrNoMapping, err)
				return
			}
			res.addr = &net.UDPAddr{IP: xor.IP, Port: xor.Port}
		})
		if err != nil && res.err == nil {
			res.err = err
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("stun binding via %s: %w", server, res.err)
		}
		return res.addr, nil
	}
}

// Advertise returns the address to announce for a listener bound to
// listen. It is the public IP found through server paired with the
// listener's port when discovery works, and the listener's own address
// otherwise. No port mapping is requested: the port is only reachable
// when the NAT forwards it.
func Advertise(ctx context.Context, server string, listen net.Addr, timeout time.Duration) string {
	log := slog.With("component", "nat")
	_, port, err := net.SplitHostPort(listen.String())
	if err != nil {
		return listen.String()
	}
	if server == "" {
		log.Info("NAT discovery disabled, LAN-only", "addr", listen.String())
		return listen.String()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	public, err := Discover(ctx, server)
	if err != nil {
		log.Warn("NAT discovery failed, LAN-only", "err", err, "addr", listen.String())
		return listen.String()
	}
	addr := net.JoinHostPort(public.IP.String(), port)
	log.Info("public IP discovered, port unmapped", "addr", addr, "stun_mapped", public.String())
	return addr
}
