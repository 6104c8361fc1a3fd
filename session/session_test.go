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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/railtwin/trdp/dataset"
)

// newTestSession builds a Session bound to ephemeral loopback sockets,
// bypassing Open's net.InterfaceByName lookup (no named interface is
// available in a sandboxed test environment). It exercises the same
// publisher/subscriber/MD engine code Open wires up, just without the
// interface-bound multicast group joins (socket_test.go covers their
// refcounting in isolation). Good enough for one-directional PD traffic; two-directional MD
// exchanges need newTestSessionAt instead, since a session always addresses
// its peer's well-known port via its own cfg.MDPort rather than the port a
// received datagram actually arrived from.
func newTestSession(t *testing.T, dict *dataset.Dictionary) (*Session, func()) {
	t.Helper()
	return newTestSessionAt(t, "127.0.0.1", 0, 0, dict)
}

// freeUDPPort returns a currently unused loopback UDP port number.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

// newTestSessionAt binds a Session's sockets to hostIP using the given
// pdPort/mdPort (0 picks an ephemeral port). Two sessions sharing the same
// port numbers on distinct loopback addresses (127.0.0.1, 127.0.0.2, ...)
// reproduce the production assumption that every node listens on the same
// well-known PD/MD ports.
func newTestSessionAt(t *testing.T, hostIP string, pdPort, mdPort int, dict *dataset.Dictionary) (*Session, func()) {
	t.Helper()
	ip := net.ParseIP(hostIP)

	pdConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: pdPort})
	require.NoError(t, err)
	mdConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: mdPort})
	require.NoError(t, err)
	mdListener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: mdConn.LocalAddr().(*net.UDPAddr).Port})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Interface.Name = "lo"
	cfg.PDPort = pdConn.LocalAddr().(*net.UDPAddr).Port
	cfg.MDPort = mdConn.LocalAddr().(*net.UDPAddr).Port
	cfg.MDReplyTimeout = 20 * time.Millisecond
	cfg.MDConfirmTimeout = 20 * time.Millisecond
	cfg.Backoff = BackoffConfig{Mode: backoffFixed, Step: 5 * time.Millisecond, MaxValue: 50 * time.Millisecond}

	if dict == nil {
		dict = dataset.NewDictionary()
	}

	pdPC4, pdPC6, err := newTestPacketConn(pdConn, ip)
	require.NoError(t, err)

	sm := &socketManager{
		pdConn:      pdConn,
		mdConn:      mdConn,
		mdListener:  mdListener,
		mdPool:      make(map[string]*net.TCPConn),
		mcastGroups: make(map[string]int),
		pdPC4:       pdPC4,
		pdPC6:       pdPC6,
	}

	s := &Session{
		cfg:         cfg,
		dict:        dict,
		sock:        sm,
		stats:       NewStats(),
		hostIP:      ip,
		publishers:  make(map[PublisherHandle]*publisher),
		subscribers: make(map[SubscriberHandle]*subscriber),
		pdRequests:  make(map[PDRequestHandle]*pdRequest),
		mdSessions:  make(map[SessionID]*mdSession),
		mdListeners: make(map[ListenerHandle]*mdListener),
		pdRecvCh:    make(chan pdDatagram, 256),
		mdRecvCh:    make(chan mdDatagram, 256),
		stopCh:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readPDLoop()
	go s.readMDLoop()

	return s, func() { s.Close() }
}
