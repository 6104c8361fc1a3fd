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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/railtwin/trdp/dataset"
	"github.com/railtwin/trdp/marshal"
	"github.com/railtwin/trdp/wire"
)

// ToBehavior controls what happens to a subscriber's cached payload once its
// timeout fires (spec §4.4.2).
type ToBehavior int

// ToBehavior values.
const (
	SetToZero ToBehavior = iota
	KeepLastValue
)

// PublishOptions configures a Publish call.
type PublishOptions struct {
	QoS             int
	TTL             int
	RedundancyGroup uint32
	Marshal         bool
	PayloadCRC      bool
	// SDT opts this telegram into the SC-32 SDTv2 payload-safety CRC
	// (session.Config.SDT), seeded with the configured SMI instead of the
	// plain payload CRC. Ignored unless Config.SDT.Enabled.
	SDT       bool
	SendOnPut bool // reset the send deadline to "now" on the next Put
}

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	// SrcFilter restricts accepted sources. Empty means "any" (spec's
	// "0 = any"), generalized per SPEC_FULL.md to a list.
	SrcFilter  []net.IP
	Timeout    time.Duration
	ToBehavior ToBehavior
	Marshal    bool
	PayloadCRC bool
	// SDT verifies the trailing CRC word as SDTv2's seeded SC-32 instead of
	// the plain payload CRC. Ignored unless Config.SDT.Enabled.
	SDT      bool
	Callback Callback
}

type publisher struct {
	comID     uint32
	datasetID dataset.TypeID
	srcIP     net.IP
	dstIP     net.IP
	cycle     time.Duration
	opts      PublishOptions
	msgType   wire.MsgType

	nextDeadline time.Time
	seq          uint32

	cache       marshal.Cache
	payloadWire []byte // cached, already wire-endian payload
}

type pdRequest struct {
	pub        publisher
	replyComID uint32
	replyIP    net.IP
	deadline   time.Time
	sent       bool
	subHandle  SubscriberHandle
}

type subscriber struct {
	comID      uint32
	datasetID  dataset.TypeID
	srcFilter  []net.IP
	dstIP      net.IP
	mcastGroup net.IP
	timeout    time.Duration
	toBehavior ToBehavior
	marshal    bool
	payloadCRC bool
	sdt        bool
	callback   Callback

	cache Cache

	lastPayload  []byte
	lastRecvTime time.Time
	lastSeq      map[string]uint32
	timedOut     bool
}

// Cache mirrors marshal.Cache's shape for the subscriber's unmarshal side.
type Cache = marshal.Cache

type pdDatagram struct {
	data []byte
	src  *net.UDPAddr
	dst  net.IP // destination address the frame actually arrived on, if known
}

func (s *Session) readPDLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, dst, addr, err := s.readPDFrame(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Debugf("session: PD read error: %v", err)
				continue
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case s.pdRecvCh <- pdDatagram{data: cp, src: addr, dst: dst}:
		case <-s.stopCh:
			return
		}
	}
}

// readPDFrame reads one PD datagram, recovering its destination address from
// the packet conn's control message so handlePDDatagram can tell unicast
// subscriptions and distinct multicast groups apart even when they share a
// ComId (spec §4.4.2). Falls back to a destination-blind read if neither
// packet conn was set up (e.g. a test harness that doesn't need it).
func (s *Session) readPDFrame(buf []byte) (int, net.IP, *net.UDPAddr, error) {
	switch {
	case s.sock.pdPC4 != nil:
		n, cm, src, err := s.sock.pdPC4.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, err
		}
		udpSrc, _ := src.(*net.UDPAddr)
		if cm != nil {
			return n, cm.Dst, udpSrc, nil
		}
		return n, nil, udpSrc, nil
	case s.sock.pdPC6 != nil:
		n, cm, src, err := s.sock.pdPC6.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, err
		}
		udpSrc, _ := src.(*net.UDPAddr)
		if cm != nil {
			return n, cm.Dst, udpSrc, nil
		}
		return n, nil, udpSrc, nil
	default:
		n, addr, err := s.sock.pdConn.ReadFromUDP(buf)
		return n, nil, addr, err
	}
}

// Publish creates a cyclic publisher, spec §4.4.1.
func (s *Session) Publish(comID uint32, datasetID dataset.TypeID, srcIP, dstIP net.IP, cycle time.Duration, opts PublishOptions) (PublisherHandle, error) {
	if cycle <= 0 {
		return 0, s.errorf(ParamError, "publish: cycle must be positive")
	}
	if _, ok := s.dict.Dataset(datasetID); !ok {
		return 0, s.errorf(StructureMismatch, "publish: unknown dataset %d", datasetID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.errorf(NoInit, "publish: session closed")
	}

	if dstIP.IsMulticast() {
		if err := s.sock.joinMulticast(dstIP); err != nil {
			return 0, s.errorf(SocketError, "publish: %v", err)
		}
	}
	if err := s.sock.applyPDQoS(s.hostIP, opts.QoS, opts.TTL); err != nil {
		log.Warnf("session: applying QoS for ComId %d: %v", comID, err)
	}

	h := PublisherHandle(s.allocID())
	now := time.Now()
	s.publishers[h] = &publisher{
		comID:        comID,
		datasetID:    datasetID,
		srcIP:        srcIP,
		dstIP:        dstIP,
		cycle:        cycle,
		opts:         opts,
		msgType:      wire.MsgPD,
		nextDeadline: now.Add(cycle),
	}
	return h, nil
}

// Unpublish destroys a publisher and, if its destination was multicast,
// releases its reference on that group.
func (s *Session) Unpublish(h PublisherHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.publishers[h]
	if !ok {
		return s.errorf(ParamError, "unpublish: unknown handle")
	}
	delete(s.publishers, h)
	if p.dstIP.IsMulticast() {
		_ = s.sock.leaveMulticast(p.dstIP)
	}
	return nil
}

// Put copies (or marshals) host into the publisher's cached buffer, and
// resets its send deadline to now if SendOnPut was set (spec §4.4.1).
func (s *Session) Put(h PublisherHandle, host []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.publishers[h]
	if !ok {
		return s.errorf(ParamError, "put: unknown handle")
	}
	return s.putPublisher(p, host)
}

func (s *Session) putPublisher(p *publisher, host []byte) error {
	if !p.opts.Marshal {
		p.payloadWire = append(p.payloadWire[:0], host...)
	} else {
		ds, err := marshal.Resolve(s.dict, p.datasetID, &p.cache)
		if err != nil {
			return s.errorf(StructureMismatch, "put: %v", err)
		}
		size, err := marshal.ComputeWireSize(s.dict, ds, host)
		if err != nil {
			return s.errorf(StructureMismatch, "put: %v", err)
		}
		wireBuf := make([]byte, size)
		if _, err := marshal.Marshal(s.dict, ds, host, wireBuf); err != nil {
			return s.errorf(StructureMismatch, "put: %v", err)
		}
		p.payloadWire = wireBuf
	}
	if p.opts.SendOnPut {
		p.nextDeadline = time.Now()
	}
	return nil
}

// Get returns the subscriber's last-received payload and status.
func (s *Session) Get(h SubscriberHandle) ([]byte, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[h]
	if !ok {
		return nil, NoError, s.errorf(ParamError, "get: unknown handle")
	}
	if sub.timedOut {
		return sub.lastPayload, Timeout, nil
	}
	return sub.lastPayload, NoError, nil
}

// Subscribe registers a subscriber, spec §4.4.2.
func (s *Session) Subscribe(comID uint32, datasetID dataset.TypeID, dstIP net.IP, opts SubscribeOptions) (SubscriberHandle, error) {
	if _, ok := s.dict.Dataset(datasetID); !ok {
		return 0, s.errorf(StructureMismatch, "subscribe: unknown dataset %d", datasetID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.errorf(NoInit, "subscribe: session closed")
	}

	var mcastGroup net.IP
	if dstIP.IsMulticast() {
		if err := s.sock.joinMulticast(dstIP); err != nil {
			return 0, s.errorf(SocketError, "subscribe: %v", err)
		}
		mcastGroup = dstIP
	}

	h := SubscriberHandle(s.allocID())
	s.subscribers[h] = &subscriber{
		comID:      comID,
		datasetID:  datasetID,
		srcFilter:  opts.SrcFilter,
		dstIP:      dstIP,
		mcastGroup: mcastGroup,
		timeout:    opts.Timeout,
		toBehavior: opts.ToBehavior,
		marshal:    opts.Marshal,
		payloadCRC: opts.PayloadCRC,
		sdt:        opts.SDT,
		callback:   opts.Callback,
		lastSeq:    make(map[string]uint32),
		lastRecvTime: time.Now(),
	}
	return h, nil
}

// Unsubscribe destroys a subscriber and releases its multicast membership.
func (s *Session) Unsubscribe(h SubscriberHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[h]
	if !ok {
		return s.errorf(ParamError, "unsubscribe: unknown handle")
	}
	delete(s.subscribers, h)
	if sub.mcastGroup != nil {
		_ = s.sock.leaveMulticast(sub.mcastGroup)
	}
	return nil
}

// Request publishes a one-shot "Pr" frame and arms an internal subscriber
// bound to receive the paired "Pp" response, spec §4.4.3.
func (s *Session) Request(comID uint32, datasetID dataset.TypeID, srcIP, dstIP net.IP, replyComID uint32, opts PublishOptions, subOpts SubscribeOptions) (PDRequestHandle, error) {
	if _, ok := s.dict.Dataset(datasetID); !ok {
		return 0, s.errorf(StructureMismatch, "request: unknown dataset %d", datasetID)
	}

	subH, err := s.Subscribe(replyComID, datasetID, srcIP, subOpts)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h := PDRequestHandle(s.allocID())
	s.pdRequests[h] = &pdRequest{
		pub: publisher{
			comID:     comID,
			datasetID: datasetID,
			srcIP:     srcIP,
			dstIP:     dstIP,
			opts:      opts,
			msgType:   wire.MsgPR,
		},
		replyComID: replyComID,
		replyIP:    srcIP,
		deadline:   time.Now(),
		subHandle:  subH,
	}
	return h, nil
}

func (s *Session) tickPublishers(now time.Time) int {
	events := 0
	for _, p := range s.publishers {
		if p.nextDeadline.After(now) {
			continue
		}
		for !p.nextDeadline.After(now) {
			p.nextDeadline = p.nextDeadline.Add(p.cycle)
		}
		if err := s.sendPDFrame(p.dstIP, p.comID, p.msgType, p.payloadWire, &p.seq, p.opts, 0, nil); err != nil {
			log.Warnf("session: sending PD ComId %d: %v", p.comID, err)
			s.stats.IncStatus(SocketError)
			continue
		}
		s.stats.IncFramesSent(true)
		events++
	}
	for _, r := range s.pdRequests {
		if r.sent || r.deadline.After(now) {
			continue
		}
		if err := s.sendPDFrame(r.pub.dstIP, r.pub.comID, wire.MsgPR, nil, &r.pub.seq, r.pub.opts, r.replyComID, r.replyIP); err != nil {
			log.Warnf("session: sending PD request ComId %d: %v", r.pub.comID, err)
			s.stats.IncStatus(SocketError)
			continue
		}
		r.sent = true
		s.stats.IncFramesSent(true)
		events++
	}
	return events
}

func (s *Session) sendPDFrame(dstIP net.IP, comID uint32, msgType wire.MsgType, payload []byte, seq *uint32, opts PublishOptions, replyComID uint32, replyIP net.IP) error {
	h := &wire.PDHeader{
		Header: wire.Header{
			SequenceCounter: *seq,
			ProtocolVersion: wire.ProtocolVersion,
			MsgType:         msgType,
			ComID:           comID,
			EtbTopoCount:    s.cfg.EtbTopoCount,
			OpTrnTopoCount:  s.cfg.OpTrnTopoCount,
			DatasetLength:   uint32(len(payload)),
		},
	}
	if replyComID != 0 {
		h.ReplyComID = replyComID
	}
	if replyIP != nil {
		if ip4 := replyIP.To4(); ip4 != nil {
			h.ReplyIP = uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
		}
	}

	useSDT := opts.SDT && s.cfg.SDT.Enabled
	hasCRC := opts.PayloadCRC || useSDT

	padded := wire.PadLen(len(payload))
	frameLen := wire.PDHeaderSize + padded
	if hasCRC {
		frameLen += 4
	}
	buf := make([]byte, frameLen)
	if _, err := wire.EncodePDHeader(h, buf); err != nil {
		return err
	}
	copy(buf[wire.PDHeaderSize:], payload)
	if hasCRC {
		if useSDT {
			wire.PutFCSWithSeed(buf[wire.PDHeaderSize+padded:], buf[wire.PDHeaderSize:wire.PDHeaderSize+padded], s.cfg.SDT.SMI)
		} else {
			wire.PutFCS(buf[wire.PDHeaderSize+padded:], buf[wire.PDHeaderSize:wire.PDHeaderSize+padded])
		}
	}

	*seq++

	dst := &net.UDPAddr{IP: dstIP, Port: s.cfg.PDPort}
	_, err := s.sock.pdConn.WriteToUDP(buf, dst)
	return err
}

func (s *Session) handlePDDatagram(dg pdDatagram) {
	s.stats.IncFramesReceived(true)
	h, err := wire.DecodePDHeader(dg.data)
	if err != nil {
		s.stats.IncStatus(CrcMismatch)
		return
	}
	if !s.validTopoCounters(h.EtbTopoCount, h.OpTrnTopoCount) {
		s.stats.IncStatus(WireFormatError)
		return
	}

	var matched *subscriber
	for _, sub := range s.subscribers {
		if sub.comID != h.ComID {
			continue
		}
		// dstIP is the subscriber's own "don't care" wildcard when
		// unspecified (spec's "0 = any" generalized to destination too);
		// otherwise the frame's actual destination (unicast address or
		// multicast group) must match what was subscribed to, so two
		// subscriptions sharing a ComId but different destinations don't
		// cross-deliver.
		if sub.dstIP != nil && !sub.dstIP.IsUnspecified() {
			if dg.dst == nil || !dg.dst.Equal(sub.dstIP) {
				continue
			}
		}
		if len(sub.srcFilter) > 0 && !ipListContains(sub.srcFilter, dg.src.IP) {
			continue
		}
		matched = sub
		break
	}
	if matched == nil {
		return
	}

	payloadEnd := wire.PDHeaderSize + int(h.DatasetLength)
	if payloadEnd > len(dg.data) {
		s.stats.IncStatus(StructureMismatch)
		return
	}
	payload := dg.data[wire.PDHeaderSize:payloadEnd]

	useSDT := matched.sdt && s.cfg.SDT.Enabled
	if matched.payloadCRC || useSDT {
		paddedEnd := wire.PDHeaderSize + wire.PadLen(int(h.DatasetLength))
		if paddedEnd+4 > len(dg.data) {
			s.stats.IncStatus(StructureMismatch)
			return
		}
		var err error
		if useSDT {
			err = wire.VerifyPayloadCRCWithSeed(dg.data[wire.PDHeaderSize:paddedEnd+4], s.cfg.SDT.SMI)
		} else {
			err = wire.VerifyPayloadCRC(dg.data[wire.PDHeaderSize : paddedEnd+4])
		}
		if err != nil {
			s.stats.IncStatus(CrcMismatch)
			return
		}
	}

	key := dg.src.IP.String()
	prev, seen := matched.lastSeq[key]
	if seen {
		diff := int32(h.SequenceCounter - prev)
		if diff == 0 {
			s.stats.IncDroppedDuplicate()
			return
		}
		if diff < 0 {
			s.stats.IncDroppedStale()
			return
		}
	}
	matched.lastSeq[key] = h.SequenceCounter
	matched.lastRecvTime = time.Now()
	matched.timedOut = false

	if matched.marshal {
		ds, err := marshal.Resolve(s.dict, matched.datasetID, &matched.cache)
		if err != nil {
			s.stats.IncStatus(StructureMismatch)
			return
		}
		host := make([]byte, len(payload)*2+64) // host buffer is >= wire size due to alignment padding
		n, err := marshal.Unmarshal(s.dict, ds, payload, host)
		if err != nil {
			s.stats.IncStatus(StructureMismatch)
			return
		}
		matched.lastPayload = host[:n]
	} else {
		matched.lastPayload = append(matched.lastPayload[:0], payload...)
	}

	if matched.callback != nil {
		matched.callback(NoError, h.ComID, matched.lastPayload)
	}
}

func (s *Session) tickSubscriberTimeouts(now time.Time) int {
	events := 0
	for _, sub := range s.subscribers {
		if sub.timeout <= 0 || sub.timedOut {
			continue
		}
		if now.Sub(sub.lastRecvTime) <= sub.timeout {
			continue
		}
		sub.timedOut = true
		if sub.toBehavior == SetToZero {
			for i := range sub.lastPayload {
				sub.lastPayload[i] = 0
			}
		}
		s.stats.IncTimeoutFired()
		if sub.callback != nil {
			sub.callback(Timeout, sub.comID, sub.lastPayload)
		}
		events++
	}
	return events
}

func ipListContains(list []net.IP, ip net.IP) bool {
	for _, c := range list {
		if c.Equal(ip) {
			return true
		}
	}
	return false
}
