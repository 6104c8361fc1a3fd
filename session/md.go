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
	"bufio"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/railtwin/trdp/dataset"
	"github.com/railtwin/trdp/wire"
)

// mdState is an MD transaction's position in the FSM of spec §4.5.1.
type mdState int

const (
	mdNew mdState = iota
	mdWaitForReply
	mdWaitForConfirm
	mdCompleted
	mdFailed
)

// MDOptions configures a notify, request or reply call.
type MDOptions struct {
	QoS             int
	TTL             int
	Retries         int
	UseTCP          bool
	ConfirmRequired bool // read by no call; SendReply takes its own confirmRequired argument
	// ExpectedReplies is the number of Mp/Mq replies SendRequest waits for
	// before completing the caller-side session, spec §4.5.2's multicast
	// request/reply fan-in. Zero means one (the common point-to-point case).
	ExpectedReplies int
}

type mdSession struct {
	id       SessionID
	comID    uint32
	isCaller bool // true: we sent the MR; false: we received it and reply
	state    mdState

	peerIP   net.IP
	peerPort int
	useTCP   bool

	sourceURI string
	destURI   string

	replyTimeout   time.Duration
	confirmTimeout time.Duration
	backoff        *backoff
	retriesLeft    int
	timerDeadline  time.Time

	expectedReplies int
	repliesReceived int

	started  time.Time
	callback Callback
	payload  []byte // cached for retry on reply timeout
}

type mdListener struct {
	comID     uint32
	datasetID dataset.TypeID
	destIP    net.IP
	callback  Callback
}

type mdDatagram struct {
	data []byte
	src  net.IP
	port int
}

func (s *Session) readMDLoop() {
	defer s.wg.Done()
	go s.acceptMDLoop()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.sock.mdConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Debugf("session: MD read error: %v", err)
				continue
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case s.mdRecvCh <- mdDatagram{data: cp, src: addr.IP, port: addr.Port}:
		case <-s.stopCh:
			return
		}
	}
}

// acceptMDLoop accepts inbound MD-over-TCP connections, spec §4.5.3. It is
// not tracked by Session.wg: a listener Accept has no clean way to unblock
// short of closing the listener, which Close already does.
func (s *Session) acceptMDLoop() {
	for {
		conn, err := s.sock.mdListener.AcceptTCP()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Debugf("session: MD accept error: %v", err)
				continue
			}
		}
		go s.readMDConn(conn)
	}
}

func (s *Session) readMDConn(conn *net.TCPConn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	peer, _ := conn.RemoteAddr().(*net.TCPAddr)
	for {
		frame, err := readMDFrame(r)
		if err != nil {
			if err != io.EOF {
				log.Debugf("session: MD TCP read from %v: %v", peer, err)
			}
			return
		}
		select {
		case s.mdRecvCh <- mdDatagram{data: frame, src: peer.IP, port: peer.Port}:
		case <-s.stopCh:
			return
		}
	}
}

// readMDFrame reads one header-plus-payload MD frame: the header's own
// DatasetLength field tells us how much payload follows, so no extra length
// prefix is needed on top of TRDP's own wire format.
func readMDFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, wire.MDHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	h, err := wire.DecodeMDHeader(head)
	if err != nil {
		return nil, err
	}
	padded := wire.PadLen(int(h.DatasetLength))
	frame := make([]byte, wire.MDHeaderSize+padded)
	copy(frame, head)
	if padded > 0 {
		if _, err := io.ReadFull(r, frame[wire.MDHeaderSize:]); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// AddListener registers a callback invoked for every incoming MD notify or
// request bound to comID, spec §4.5.1's "registered listener".
func (s *Session) AddListener(comID uint32, datasetID dataset.TypeID, destIP net.IP, callback Callback) (ListenerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.errorf(NoInit, "addlistener: session closed")
	}
	h := ListenerHandle(s.allocID())
	s.mdListeners[h] = &mdListener{comID: comID, datasetID: datasetID, destIP: destIP, callback: callback}
	return h, nil
}

// RemoveListener unregisters a previously added listener.
func (s *Session) RemoveListener(h ListenerHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mdListeners[h]; !ok {
		return s.errorf(ParamError, "removelistener: unknown handle")
	}
	delete(s.mdListeners, h)
	return nil
}

func (s *Session) listenerFor(comID uint32) *mdListener {
	for _, l := range s.mdListeners {
		if l.comID == comID {
			return l
		}
	}
	return nil
}

// SendNotify sends a fire-and-forget MD notification, spec §4.5.1: no
// session is tracked and no reply is ever expected.
func (s *Session) SendNotify(comID uint32, destIP net.IP, sourceURI, destURI string, payload []byte, opts MDOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errorf(NoInit, "sendnotify: session closed")
	}
	if err := s.sock.applyMDQoS(s.hostIP, opts.QoS, opts.TTL); err != nil {
		log.Warnf("session: applying QoS for ComId %d: %v", comID, err)
	}
	h := s.newMDHeader(wire.MsgMN, comID, NewSessionID(), payload, sourceURI, destURI, 0)
	if err := s.sendMDFrame(h, payload, destIP, s.cfg.MDPort, opts.UseTCP); err != nil {
		return s.errorf(SocketError, "sendnotify: %v", err)
	}
	s.stats.IncFramesSent(false)
	return nil
}

// SendRequest sends an MD request and arms a caller-side session waiting for
// a reply, spec §4.5.1/§4.5.2.
func (s *Session) SendRequest(comID uint32, destIP net.IP, sourceURI, destURI string, payload []byte, opts MDOptions, callback Callback) (SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionID{}, s.errorf(NoInit, "sendrequest: session closed")
	}
	if len(s.mdSessions) >= s.cfg.MaxMDSessions {
		return SessionID{}, s.errorf(MemoryError, "sendrequest: max_md_sessions (%d) exceeded", s.cfg.MaxMDSessions)
	}
	if err := s.sock.applyMDQoS(s.hostIP, opts.QoS, opts.TTL); err != nil {
		log.Warnf("session: applying QoS for ComId %d: %v", comID, err)
	}

	expectedReplies := opts.ExpectedReplies
	if expectedReplies <= 0 {
		expectedReplies = 1
	}

	id := NewSessionID()
	md := &mdSession{
		id:              id,
		comID:           comID,
		isCaller:        true,
		state:           mdWaitForReply,
		peerIP:          destIP,
		peerPort:        s.cfg.MDPort,
		useTCP:          opts.UseTCP,
		sourceURI:       sourceURI,
		destURI:         destURI,
		replyTimeout:    s.cfg.MDReplyTimeout,
		confirmTimeout:  s.cfg.MDConfirmTimeout,
		backoff:         newBackoff(s.cfg.Backoff, s.cfg.MDReplyTimeout),
		retriesLeft:     opts.Retries,
		expectedReplies: expectedReplies,
		started:         time.Now(),
		callback:        callback,
		payload:         append([]byte(nil), payload...),
	}

	h := s.newMDHeader(wire.MsgMR, comID, id, payload, sourceURI, destURI, uint32(s.cfg.MDReplyTimeout/time.Millisecond))
	if err := s.sendMDFrame(h, payload, destIP, s.cfg.MDPort, opts.UseTCP); err != nil {
		return SessionID{}, s.errorf(SocketError, "sendrequest: %v", err)
	}
	md.timerDeadline = time.Now().Add(s.cfg.MDReplyTimeout)
	s.mdSessions[id] = md
	s.stats.IncFramesSent(false)
	return id, nil
}

// SendReply answers a request previously delivered to a listener callback.
// If confirmRequired, the session moves to WaitForConfirm instead of
// completing immediately, spec §4.5.1's "Mq" path.
func (s *Session) SendReply(id SessionID, replyStatus int32, payload []byte, confirmRequired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.mdSessions[id]
	if !ok {
		return s.errorf(UnknownSession, "sendreply: unknown session %s", id)
	}

	msgType := wire.MsgMP
	if confirmRequired {
		msgType = wire.MsgMQ
	}
	h := s.newMDHeader(msgType, md.comID, id, payload, md.sourceURI, md.destURI, 0)
	h.ReplyStatus = replyStatus
	if err := s.sendMDFrame(h, payload, md.peerIP, md.peerPort, md.useTCP); err != nil {
		return s.errorf(SocketError, "sendreply: %v", err)
	}
	s.stats.IncFramesSent(false)

	if confirmRequired {
		md.state = mdWaitForConfirm
		md.timerDeadline = time.Now().Add(md.confirmTimeout)
	} else {
		s.completeMDSession(md)
	}
	return nil
}

// SendConfirm acknowledges a reply that required confirmation, spec
// §4.5.1's "Mc" path, and completes the caller-side session.
func (s *Session) SendConfirm(id SessionID, replyStatus int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.mdSessions[id]
	if !ok {
		return s.errorf(UnknownSession, "sendconfirm: unknown session %s", id)
	}
	h := s.newMDHeader(wire.MsgMC, md.comID, id, nil, md.sourceURI, md.destURI, 0)
	h.ReplyStatus = replyStatus
	if err := s.sendMDFrame(h, nil, md.peerIP, md.peerPort, md.useTCP); err != nil {
		return s.errorf(SocketError, "sendconfirm: %v", err)
	}
	s.stats.IncFramesSent(false)
	s.completeMDSession(md)
	return nil
}

func (s *Session) completeMDSession(md *mdSession) {
	md.state = mdCompleted
	delete(s.mdSessions, md.id)
	s.stats.IncMDCompleted()
	s.stats.ObserveMDLatency(time.Since(md.started).Seconds())
	if md.callback != nil {
		md.callback(NoError, md.comID, nil)
	}
}

func (s *Session) failMDSession(md *mdSession, status Status) {
	md.state = mdFailed
	delete(s.mdSessions, md.id)
	s.stats.IncMDFailed()
	if md.callback != nil {
		md.callback(status, md.comID, nil)
	}
}

func (s *Session) newMDHeader(msgType wire.MsgType, comID uint32, id SessionID, payload []byte, sourceURI, destURI string, replyTimeoutMS uint32) *wire.MDHeader {
	h := &wire.MDHeader{
		Header: wire.Header{
			ProtocolVersion: wire.ProtocolVersion,
			MsgType:         msgType,
			ComID:           comID,
			EtbTopoCount:    s.cfg.EtbTopoCount,
			OpTrnTopoCount:  s.cfg.OpTrnTopoCount,
			DatasetLength:   uint32(len(payload)),
		},
		SessionID:    id,
		ReplyTimeout: replyTimeoutMS,
	}
	_ = h.SetSourceURI(sourceURI)
	_ = h.SetDestURI(destURI)
	return h
}

func (s *Session) sendMDFrame(h *wire.MDHeader, payload []byte, destIP net.IP, destPort int, useTCP bool) error {
	padded := wire.PadLen(len(payload))
	buf := make([]byte, wire.MDHeaderSize+padded)
	if _, err := wire.EncodeMDHeader(h, buf); err != nil {
		return err
	}
	copy(buf[wire.MDHeaderSize:], payload)

	if useTCP {
		conn, err := s.sock.mdConnFor(&net.TCPAddr{IP: destIP, Port: destPort})
		if err != nil {
			return err
		}
		_, err = conn.Write(buf)
		return err
	}
	dst := &net.UDPAddr{IP: destIP, Port: destPort}
	_, err := s.sock.mdConn.WriteToUDP(buf, dst)
	return err
}

func (s *Session) handleMDDatagram(dg mdDatagram) {
	s.stats.IncFramesReceived(false)
	h, err := wire.DecodeMDHeader(dg.data)
	if err != nil {
		s.stats.IncStatus(CrcMismatch)
		return
	}
	if !s.validTopoCounters(h.EtbTopoCount, h.OpTrnTopoCount) {
		s.stats.IncStatus(WireFormatError)
		return
	}
	payload := dg.data[wire.MDHeaderSize : wire.MDHeaderSize+int(h.DatasetLength)]

	switch h.MsgType {
	case wire.MsgMN:
		if l := s.listenerFor(h.ComID); l != nil && l.callback != nil {
			l.callback(NoError, h.ComID, payload)
		}

	case wire.MsgMR:
		l := s.listenerFor(h.ComID)
		if l == nil {
			return
		}
		if len(s.mdSessions) >= s.cfg.MaxMDSessions {
			s.stats.IncStatus(MemoryError)
			return
		}
		md := &mdSession{
			id:             h.SessionID,
			comID:          h.ComID,
			isCaller:       false,
			state:          mdNew,
			peerIP:         dg.src,
			peerPort:       s.cfg.MDPort,
			sourceURI:      h.DestURIString(),
			destURI:        h.SourceURIString(),
			confirmTimeout: s.cfg.MDConfirmTimeout,
			started:        time.Now(),
			callback:       l.callback,
		}
		s.mdSessions[h.SessionID] = md
		if l.callback != nil {
			l.callback(NoError, h.ComID, payload)
		}

	case wire.MsgMP, wire.MsgMQ:
		md, ok := s.mdSessions[h.SessionID]
		if !ok || !md.isCaller || md.state != mdWaitForReply {
			return
		}
		md.repliesReceived++
		if md.callback != nil {
			md.callback(Status(h.ReplyStatus), h.ComID, payload)
		}
		switch {
		case h.MsgType == wire.MsgMQ:
			// confirm handshake is always one-to-one, regardless of how many
			// replies were expected from a multicast request.
			md.state = mdWaitForConfirm
			md.timerDeadline = time.Now().Add(md.confirmTimeout)
		case md.repliesReceived >= md.expectedReplies:
			s.completeMDSession(md)
		}
		// else: still waiting on more replies before reply_timeout fires.

	case wire.MsgMC:
		md, ok := s.mdSessions[h.SessionID]
		if !ok || md.isCaller || md.state != mdWaitForConfirm {
			return
		}
		s.completeMDSession(md)

	case wire.MsgME:
		md, ok := s.mdSessions[h.SessionID]
		if !ok {
			return
		}
		s.failMDSession(md, Status(h.ReplyStatus))

	default:
		s.stats.IncStatus(WireFormatError)
	}
}

func (s *Session) tickMDTimers(now time.Time) int {
	events := 0
	for _, md := range s.mdSessions {
		if md.timerDeadline.IsZero() || md.timerDeadline.After(now) {
			continue
		}
		switch md.state {
		case mdWaitForReply:
			if md.retriesLeft > 0 {
				md.retriesLeft--
				h := s.newMDHeader(wire.MsgMR, md.comID, md.id, md.payload, md.sourceURI, md.destURI, uint32(md.replyTimeout/time.Millisecond))
				if err := s.sendMDFrame(h, md.payload, md.peerIP, md.peerPort, md.useTCP); err != nil {
					log.Warnf("session: resending MD request ComId %d: %v", md.comID, err)
				} else {
					s.stats.IncFramesSent(false)
				}
				md.timerDeadline = now.Add(md.backoff.next())
				s.stats.IncStatus(Timeout)
			} else {
				s.failMDSession(md, Timeout)
			}
		case mdWaitForConfirm:
			s.failMDSession(md, ConfirmTimeout)
		}
		events++
	}
	return events
}
