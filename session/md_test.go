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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/railtwin/trdp/dataset"
	"github.com/railtwin/trdp/wire"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 2*time.Millisecond)
}

func TestMDNotifyDeliversToListener(t *testing.T) {
	mdPort := freeUDPPort(t)
	rx, closeRx := newTestSessionAt(t, "127.0.0.1", 0, mdPort, dataset.NewDictionary())
	defer closeRx()
	tx, closeTx := newTestSessionAt(t, "127.0.0.2", 0, mdPort, dataset.NewDictionary())
	defer closeTx()

	var mu sync.Mutex
	var got []byte
	_, err := rx.AddListener(200, 0, net.IPv4zero, func(status Status, comID uint32, payload []byte) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
	})
	require.NoError(t, err)

	err = tx.SendNotify(200, net.ParseIP("127.0.0.1"), "tx", "rx", []byte("hello"), MDOptions{})
	require.NoError(t, err)

	waitUntil(t, func() bool {
		rx.Process(time.Now())
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("hello"), got)
}

func TestMDRequestReplyConfirmRoundTrip(t *testing.T) {
	mdPort := freeUDPPort(t)
	rx, closeRx := newTestSessionAt(t, "127.0.0.1", 0, mdPort, dataset.NewDictionary())
	defer closeRx()
	tx, closeTx := newTestSessionAt(t, "127.0.0.2", 0, mdPort, dataset.NewDictionary())
	defer closeTx()

	var replySessionID SessionID
	_, err := rx.AddListener(300, 0, net.IPv4zero, func(status Status, comID uint32, payload []byte) {
		for id, md := range rx.mdSessions {
			if md.comID == comID && !md.isCaller {
				replySessionID = id
			}
		}
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var callerStatus Status
	var callerPayload []byte
	callerID, err := tx.SendRequest(300, net.ParseIP("127.0.0.1"), "tx", "rx", []byte("ping"), MDOptions{Retries: 2, ConfirmRequired: true}, func(status Status, comID uint32, payload []byte) {
		mu.Lock()
		callerStatus = status
		callerPayload = append([]byte(nil), payload...)
		mu.Unlock()
	})
	require.NoError(t, err)

	waitUntil(t, func() bool {
		rx.Process(time.Now())
		return !replySessionID.IsZero()
	})

	require.NoError(t, rx.SendReply(replySessionID, 0, []byte("pong"), true))

	waitUntil(t, func() bool {
		tx.Process(time.Now())
		mu.Lock()
		defer mu.Unlock()
		return callerPayload != nil
	})
	mu.Lock()
	require.Equal(t, NoError, callerStatus)
	require.Equal(t, []byte("pong"), callerPayload)
	mu.Unlock()

	require.NoError(t, tx.SendConfirm(callerID, 0))

	waitUntil(t, func() bool {
		rx.Process(time.Now())
		_, stillOpen := rx.mdSessions[replySessionID]
		return !stillOpen
	})
}

func TestMDReplyWithoutConfirmCompletesImmediately(t *testing.T) {
	mdPort := freeUDPPort(t)
	rx, closeRx := newTestSessionAt(t, "127.0.0.1", 0, mdPort, dataset.NewDictionary())
	defer closeRx()
	tx, closeTx := newTestSessionAt(t, "127.0.0.2", 0, mdPort, dataset.NewDictionary())
	defer closeTx()

	replyCh := make(chan SessionID, 1)
	_, err := rx.AddListener(301, 0, net.IPv4zero, func(Status, uint32, []byte) {
		for id, md := range rx.mdSessions {
			if md.comID == 301 {
				replyCh <- id
				return
			}
		}
	})
	require.NoError(t, err)

	_, err = tx.SendRequest(301, net.ParseIP("127.0.0.1"), "tx", "rx", []byte("x"), MDOptions{}, nil)
	require.NoError(t, err)

	var id SessionID
	waitUntil(t, func() bool {
		rx.Process(time.Now())
		select {
		case id = <-replyCh:
			return true
		default:
			return false
		}
	})

	require.NoError(t, rx.SendReply(id, 0, nil, false))
	_, stillOpen := rx.mdSessions[id]
	require.False(t, stillOpen, "SendReply without ConfirmRequired completes the replier-side session right away")
}

func TestTickMDTimersReplyTimeoutExhaustsRetries(t *testing.T) {
	s, closeS := newTestSession(t, dataset.NewDictionary())
	defer closeS()

	var status Status
	id, err := s.SendRequest(400, net.ParseIP("127.0.0.1"), "a", "b", []byte("x"), MDOptions{Retries: 1}, func(st Status, _ uint32, _ []byte) { status = st })
	require.NoError(t, err)

	md := s.mdSessions[id]
	future := md.timerDeadline.Add(time.Millisecond)

	// First expiry: one retry left, resend and rearm.
	require.Equal(t, 1, s.tickMDTimers(future))
	require.Contains(t, s.mdSessions, id)
	require.Equal(t, 0, s.mdSessions[id].retriesLeft)

	// Second expiry: retries exhausted, session fails with Timeout.
	md2 := s.mdSessions[id]
	require.Equal(t, 1, s.tickMDTimers(md2.timerDeadline.Add(time.Millisecond)))
	require.NotContains(t, s.mdSessions, id)
	require.Equal(t, Timeout, status)
}

func TestTickMDTimersConfirmTimeoutFailsSession(t *testing.T) {
	rx, closeRx := newTestSession(t, dataset.NewDictionary())
	defer closeRx()

	id := NewSessionID()
	var status Status
	rx.mdSessions[id] = &mdSession{
		id:             id,
		comID:          500,
		isCaller:       false,
		state:          mdWaitForConfirm,
		confirmTimeout: 10 * time.Millisecond,
		timerDeadline:  time.Now(),
		callback:       func(st Status, _ uint32, _ []byte) { status = st },
	}

	require.Equal(t, 1, rx.tickMDTimers(time.Now().Add(time.Hour)))
	require.Equal(t, ConfirmTimeout, status)
	require.NotContains(t, rx.mdSessions, id)
}

func TestSendRequestEnforcesMaxMDSessions(t *testing.T) {
	s, closeS := newTestSession(t, dataset.NewDictionary())
	defer closeS()
	s.cfg.MaxMDSessions = 1

	_, err := s.SendRequest(700, net.ParseIP("127.0.0.1"), "a", "b", []byte("x"), MDOptions{}, nil)
	require.NoError(t, err)

	_, err = s.SendRequest(701, net.ParseIP("127.0.0.1"), "a", "b", []byte("x"), MDOptions{}, nil)
	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	require.Equal(t, MemoryError, sessErr.Status)
}

func replyFrame(t *testing.T, id SessionID, comID uint32, msgType wire.MsgType, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, wire.MDHeaderSize+wire.PadLen(len(payload)))
	h := &wire.MDHeader{
		Header: wire.Header{
			ProtocolVersion: wire.ProtocolVersion,
			MsgType:         msgType,
			ComID:           comID,
			DatasetLength:   uint32(len(payload)),
		},
		SessionID: id,
	}
	_, err := wire.EncodeMDHeader(h, buf)
	require.NoError(t, err)
	copy(buf[wire.MDHeaderSize:], payload)
	return buf
}

func TestHandleMDDatagramWaitsForExpectedReplies(t *testing.T) {
	s, closeS := newTestSession(t, dataset.NewDictionary())
	defer closeS()

	id := NewSessionID()
	var calls int
	s.mdSessions[id] = &mdSession{
		id:              id,
		comID:           800,
		isCaller:        true,
		state:           mdWaitForReply,
		expectedReplies: 2,
		callback:        func(_ Status, _ uint32, _ []byte) { calls++ },
	}

	s.handleMDDatagram(mdDatagram{data: replyFrame(t, id, 800, wire.MsgMP, []byte("first")), src: net.ParseIP("127.0.0.1")})
	require.Equal(t, 1, calls)
	require.Contains(t, s.mdSessions, id, "session stays open until all expected replies arrive")

	s.handleMDDatagram(mdDatagram{data: replyFrame(t, id, 800, wire.MsgMP, []byte("second")), src: net.ParseIP("127.0.0.1")})
	// The reply callback fires once for the reply itself, then again (with a
	// nil payload) when completeMDSession reports the session's final status.
	require.Equal(t, 3, calls)
	require.NotContains(t, s.mdSessions, id, "session completes once the expected reply count is reached")
}

func TestAddRemoveListener(t *testing.T) {
	s, closeS := newTestSession(t, dataset.NewDictionary())
	defer closeS()

	h, err := s.AddListener(1, 0, net.IPv4zero, nil)
	require.NoError(t, err)
	require.NotNil(t, s.listenerFor(1))

	require.NoError(t, s.RemoveListener(h))
	require.Nil(t, s.listenerFor(1))
	require.Error(t, s.RemoveListener(h))
}

func TestCloseAbortsInFlightMDSessions(t *testing.T) {
	s, _ := newTestSession(t, dataset.NewDictionary())

	var status Status
	_, err := s.SendRequest(600, net.ParseIP("127.0.0.1"), "a", "b", []byte("x"), MDOptions{}, func(st Status, _ uint32, _ []byte) { status = st })
	require.NoError(t, err)

	s.Close()
	require.Equal(t, Aborted, status)
}
