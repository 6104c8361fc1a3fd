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

package session

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/railtwin/trdp/dscp"
	"github.com/railtwin/trdp/netutil"
)

// socketManager owns the PD and MD UDP sockets plus the MD TCP pool, per
// spec §4.3. Multicast membership is refcounted so unsubscribe only leaves a
// group once nothing else on the session still wants it.
type socketManager struct {
	iface *net.Interface

	pdConn *net.UDPConn
	mdConn *net.UDPConn

	mdListener *net.TCPListener
	mdPool     map[string]*net.TCPConn // peer addr -> connection

	mu          sync.Mutex
	mcastGroups map[string]int // group IP string -> refcount
	pdPC4       *ipv4.PacketConn
	pdPC6       *ipv6.PacketConn
}

func newSocketManager(ifaceName string, hostIP net.IP, pdPort, mdPort int) (*socketManager, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("session: resolving interface %q: %w", ifaceName, err)
	}

	pdConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: hostIP, Port: pdPort})
	if err != nil {
		return nil, fmt.Errorf("session: binding PD socket: %w", err)
	}
	mdConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: hostIP, Port: mdPort})
	if err != nil {
		pdConn.Close()
		return nil, fmt.Errorf("session: binding MD socket: %w", err)
	}
	mdListener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: hostIP, Port: mdPort})
	if err != nil {
		pdConn.Close()
		mdConn.Close()
		return nil, fmt.Errorf("session: binding MD listener: %w", err)
	}

	sm := &socketManager{
		iface:       iface,
		pdConn:      pdConn,
		mdConn:      mdConn,
		mdListener:  mdListener,
		mdPool:      make(map[string]*net.TCPConn),
		mcastGroups: make(map[string]int),
	}
	if hostIP == nil || hostIP.To4() != nil {
		sm.pdPC4 = ipv4.NewPacketConn(pdConn)
		if err := sm.pdPC4.SetControlMessage(ipv4.FlagDst, true); err != nil {
			pdConn.Close()
			mdConn.Close()
			mdListener.Close()
			return nil, fmt.Errorf("session: enabling PD destination control messages: %w", err)
		}
	} else {
		sm.pdPC6 = ipv6.NewPacketConn(pdConn)
		if err := sm.pdPC6.SetControlMessage(ipv6.FlagDst, true); err != nil {
			pdConn.Close()
			mdConn.Close()
			mdListener.Close()
			return nil, fmt.Errorf("session: enabling PD destination control messages: %w", err)
		}
	}
	return sm, nil
}

// newTestPacketConn wires up pdPC4/pdPC6 with destination control messages
// enabled the same way newSocketManager does, for tests that build a
// socketManager directly against loopback sockets instead of going through
// newSocketManager's interface lookup.
func newTestPacketConn(pdConn *net.UDPConn, hostIP net.IP) (*ipv4.PacketConn, *ipv6.PacketConn, error) {
	if hostIP == nil || hostIP.To4() != nil {
		pc := ipv4.NewPacketConn(pdConn)
		if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
			return nil, nil, err
		}
		return pc, nil, nil
	}
	pc := ipv6.NewPacketConn(pdConn)
	if err := pc.SetControlMessage(ipv6.FlagDst, true); err != nil {
		return nil, nil, err
	}
	return nil, pc, nil
}

func (sm *socketManager) close() {
	sm.pdConn.Close()
	sm.mdConn.Close()
	sm.mdListener.Close()
	sm.mu.Lock()
	for _, c := range sm.mdPool {
		c.Close()
	}
	sm.mu.Unlock()
}

// joinMulticast joins group on first reference and increments its refcount.
func (sm *socketManager) joinMulticast(group net.IP) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := group.String()
	if sm.mcastGroups[key] > 0 {
		sm.mcastGroups[key]++
		return nil
	}
	if sm.pdPC4 != nil {
		if err := sm.pdPC4.JoinGroup(sm.iface, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("session: joining multicast group %s: %w", key, err)
		}
	} else if sm.pdPC6 != nil {
		if err := sm.pdPC6.JoinGroup(sm.iface, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("session: joining multicast group %s: %w", key, err)
		}
	}
	sm.mcastGroups[key] = 1
	return nil
}

// leaveMulticast decrements group's refcount, leaving the group at zero.
func (sm *socketManager) leaveMulticast(group net.IP) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := group.String()
	n, ok := sm.mcastGroups[key]
	if !ok || n == 0 {
		return nil
	}
	n--
	if n > 0 {
		sm.mcastGroups[key] = n
		return nil
	}
	delete(sm.mcastGroups, key)
	if sm.pdPC4 != nil {
		return sm.pdPC4.LeaveGroup(sm.iface, &net.UDPAddr{IP: group})
	}
	if sm.pdPC6 != nil {
		return sm.pdPC6.LeaveGroup(sm.iface, &net.UDPAddr{IP: group})
	}
	return nil
}

// applyQoS sets DSCP and TTL on conn per §4.3.
func (sm *socketManager) applyQoS(conn *net.UDPConn, hostIP net.IP, qos, ttl int) error {
	fd, err := netutil.ConnFd(conn)
	if err != nil {
		return err
	}
	if err := dscp.Enable(fd, hostIP, qos); err != nil {
		return err
	}
	if ttl > 0 {
		if err := dscp.SetTTL(fd, hostIP, ttl); err != nil {
			return err
		}
		if err := dscp.SetMulticastTTL(fd, hostIP, ttl); err != nil {
			return err
		}
	}
	return nil
}

// applyPDQoS sets DSCP and TTL on the PD socket per §4.3.
func (sm *socketManager) applyPDQoS(hostIP net.IP, qos, ttl int) error {
	return sm.applyQoS(sm.pdConn, hostIP, qos, ttl)
}

// applyMDQoS sets DSCP and TTL on the MD socket per §4.3.
func (sm *socketManager) applyMDQoS(hostIP net.IP, qos, ttl int) error {
	return sm.applyQoS(sm.mdConn, hostIP, qos, ttl)
}

// mdConnFor returns a pooled TCP connection to peer, dialing one if none
// exists, per spec §4.5.3.
func (sm *socketManager) mdConnFor(peer *net.TCPAddr) (*net.TCPConn, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := peer.String()
	if c, ok := sm.mdPool[key]; ok {
		return c, nil
	}
	c, err := net.DialTCP("tcp", nil, peer)
	if err != nil {
		return nil, fmt.Errorf("session: dialing MD peer %s: %w", key, err)
	}
	sm.mdPool[key] = c
	return c, nil
}

func (sm *socketManager) closeMDConn(peer *net.TCPAddr) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := peer.String()
	if c, ok := sm.mdPool[key]; ok {
		c.Close()
		delete(sm.mdPool, key)
	}
}
