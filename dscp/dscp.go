/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package dscp sets the per-socket QoS (DSCP) and TTL/hop-limit options the
session's sockets are configured with before their first send, as required
of the socket manager.
*/
package dscp

import (
	"net"

	"golang.org/x/sys/unix"
)

// Enable sets the DSCP value (0-63) on a socket, picking the IPv4 or IPv6
// sockopt depending on the local address family.
func Enable(fd int, localAddr net.IP, dscp int) error {
	if localAddr.To4() == nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}

// SetTTL sets the IP TTL (IPv4) or hop limit (IPv6) used on outgoing packets.
func SetTTL(fd int, localAddr net.IP, ttl int) error {
	if localAddr.To4() == nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

// SetMulticastTTL sets the multicast TTL (IPv4) or hop limit (IPv6) used for
// packets sent to a joined multicast group.
func SetMulticastTTL(fd int, localAddr net.IP, ttl int) error {
	if localAddr.To4() == nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, ttl)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
}
