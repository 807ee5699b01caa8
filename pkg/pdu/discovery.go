package pdu

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DiscoveryResult is a host that accepted a connection on the probed port.
type DiscoveryResult struct {
	IP   string
	Port int
}

// Discover searches the local /24 subnets for hosts listening on port,
// typically 23 for Telnet-enabled PDUs or the device's ASCII control port.
// The context controls the overall discovery timeout.
// If the context has no deadline, a 3-second timeout is applied.
func Discover(ctx context.Context, port int) ([]DiscoveryResult, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port must be between 1 and 65535", ErrArgument)
	}

	// Apply default timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
	}

	ips, err := getLocalIPs()
	if err != nil {
		return nil, fmt.Errorf("get local IPs: %w", err)
	}

	var targets []string
	for _, ip := range ips {
		targets = append(targets, subnetHosts(ip)...)
	}
	return probe(ctx, targets, port), nil
}

// subnetHosts lists .1 through .254 of the /24 containing ip.
func subnetHosts(ip net.IP) []string {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	hosts := make([]string, 0, 254)
	for i := 1; i < 255; i++ {
		hosts = append(hosts, net.IP{v4[0], v4[1], v4[2], byte(i)}.String())
	}
	return hosts
}

// probe dials every target concurrently and returns those that answered.
func probe(ctx context.Context, targets []string, port int) []DiscoveryResult {
	type scanResult struct {
		ip string
		ok bool
	}

	// Use buffered channel to prevent goroutine leaks
	resultsCh := make(chan scanResult, len(targets))
	var wg sync.WaitGroup
	p := strconv.Itoa(port)

	for _, target := range targets {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			var d net.Dialer
			dialCtx, dialCancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer dialCancel()
			conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, p))
			if err == nil {
				conn.Close()
			}
			resultsCh <- scanResult{ip: ip, ok: err == nil}
		}(target)
	}

	// Close channel when all goroutines complete
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	var results []DiscoveryResult
	for res := range resultsCh {
		if res.ok {
			results = append(results, DiscoveryResult{IP: res.ip, Port: port})
		}
		// Check context between results
		select {
		case <-ctx.Done():
			return results
		default:
		}
	}
	return results
}

func getLocalIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
