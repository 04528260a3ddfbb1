/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package modem

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
)

const (
	testRate  = 48000
	testBlock = 64
)

func newTestLink(t *testing.T, addr Address, m *metrics.StreamMetrics, mutate ...func(*LinkConfig)) *Link {
	t.Helper()
	cfg := DefaultLinkConfig(addr, testRate)
	for _, fn := range mutate {
		fn(&cfg)
	}
	l, err := NewLink(cfg, m)
	require.NoError(t, err)
	return l
}

// wire runs two links in lockstep, each hearing the other one block late.
// A mute function silences its direction while it returns true.
type wire struct {
	a, b   *Link
	muteAB func() bool
	muteBA func() bool
}

func (w *wire) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		inA, outA := make([]int16, testBlock), make([]int16, testBlock)
		inB, outB := make([]int16, testBlock), make([]int16, testBlock)
		for ctx.Err() == nil {
			w.a.Process(nil, inA, outA, testBlock)
			w.b.Process(nil, inB, outB, testBlock)
			copy(inB, outA)
			if w.muteAB != nil && w.muteAB() {
				clear(inB)
			}
			copy(inA, outB)
			if w.muteBA != nil && w.muteBA() {
				clear(inA)
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLinkConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultLinkConfig(1, testRate).Validate())

	tests := []struct {
		name   string
		mutate func(*LinkConfig)
	}{
		{"broadcast_address", func(c *LinkConfig) { c.Address = Broadcast }},
		{"sample_rate", func(c *LinkConfig) { c.SampleRate = 0 }},
		{"ack_timeout_too_short", func(c *LinkConfig) { c.AckTimeout = 100 }},
		{"negative_retries", func(c *LinkConfig) { c.MaxRetries = -1 }},
		{"queue_size", func(c *LinkConfig) { c.QueueSize = 0 }},
		{"modem", func(c *LinkConfig) { c.Modem.Amplitude = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLinkConfig(1, testRate)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())

			_, err := NewLink(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestLink_SendIsAcknowledged(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewStreamMetrics(reg)
	a, b := newTestLink(t, 1, m), newTestLink(t, 2, nil)
	(&wire{a: a, b: b}).start(t)
	ctx := testContext(t)

	require.NoError(t, a.Send(ctx, 2, []byte("hello, two")))

	p, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address(1), p.Src)
	assert.Equal(t, Address(2), p.Dest)
	assert.Equal(t, []byte("hello, two"), p.Payload)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Acked)
	assert.Zero(t, stats.Retried)
	assert.Equal(t, uint64(1), b.Stats().Received)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModemFrames("acked")))
}

func TestLink_DeliversInOrder(t *testing.T) {
	a, b := newTestLink(t, 1, nil), newTestLink(t, 2, nil)
	(&wire{a: a, b: b}).start(t)
	ctx := testContext(t)

	messages := []string{"first", "second", "third"}
	for _, msg := range messages {
		require.NoError(t, a.Send(ctx, 2, []byte(msg)))
	}
	for _, msg := range messages {
		p, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg, string(p.Payload))
	}
}

func TestLink_Broadcast(t *testing.T) {
	a, b := newTestLink(t, 1, nil), newTestLink(t, 2, nil)
	(&wire{a: a, b: b}).start(t)
	ctx := testContext(t)

	require.NoError(t, a.Send(ctx, Broadcast, []byte("to everyone")))

	p, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, Broadcast, p.Dest)
	assert.Equal(t, "to everyone", string(p.Payload))
	assert.Zero(t, a.Stats().Acked, "broadcasts are not acknowledged")
}

func TestLink_Ping(t *testing.T) {
	a, b := newTestLink(t, 1, nil), newTestLink(t, 2, nil)
	(&wire{a: a, b: b}).start(t)
	ctx := testContext(t)

	rtt, err := a.Ping(ctx, 2)
	require.NoError(t, err)

	control := DefaultConfig().FrameSamples(controlSize)
	assert.GreaterOrEqual(t, rtt, time.Duration(control)*time.Second/testRate, "at least the reply is on air")
	assert.Less(t, rtt, 200*time.Millisecond)

	_, err = a.Ping(ctx, Broadcast)
	assert.Error(t, err)
}

func TestLink_RetriesLostFrame(t *testing.T) {
	a, b := newTestLink(t, 1, nil), newTestLink(t, 2, nil)
	w := &wire{a: a, b: b}
	w.muteAB = func() bool { return a.Stats().Sent < 2 }
	w.start(t)
	ctx := testContext(t)

	require.NoError(t, a.Send(ctx, 2, []byte("again")))

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.Retried)
	assert.Equal(t, uint64(1), stats.Acked)

	p, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "again", string(p.Payload))
}

func TestLink_DropsDuplicateAfterLostAck(t *testing.T) {
	a, b := newTestLink(t, 1, nil), newTestLink(t, 2, nil)
	w := &wire{a: a, b: b}
	w.muteBA = func() bool { return a.Stats().Sent < 2 }
	w.start(t)
	ctx := testContext(t)

	require.NoError(t, a.Send(ctx, 2, []byte("once")))
	assert.Equal(t, uint64(1), a.Stats().Retried)

	p, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "once", string(p.Payload))

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Duplicates)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Recv(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the retransmission is not delivered twice")
}

func TestLink_GivesUpWithoutAck(t *testing.T) {
	a := newTestLink(t, 1, nil, func(c *LinkConfig) {
		c.AckTimeout = 1000
		c.BackoffSlot = 10
		c.MaxRetries = 1
	})
	b := newTestLink(t, 2, nil)
	w := &wire{a: a, b: b}
	w.muteAB = func() bool { return true }
	w.start(t)

	err := a.Send(testContext(t), 2, []byte("anyone?"))
	require.ErrorIs(t, err, ErrNoAck)

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.Retried)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestLink_SimultaneousSends(t *testing.T) {
	a, b := newTestLink(t, 1, nil), newTestLink(t, 2, nil)
	(&wire{a: a, b: b}).start(t)
	ctx := testContext(t)

	errs := make(chan error, 2)
	go func() { errs <- a.Send(ctx, 2, []byte("from one")) }()
	go func() { errs <- b.Send(ctx, 1, []byte("from two")) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	p, err := a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from two", string(p.Payload))
	p, err = b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from one", string(p.Payload))
}

func TestLink_ReceiveFiltering(t *testing.T) {
	modulate := func(t *testing.T, f Frame, corrupt bool) []int16 {
		t.Helper()
		data, err := f.Marshal()
		require.NoError(t, err)
		if corrupt {
			data[len(data)-3] ^= 0x40
		}
		samples, err := Modulate(DefaultConfig(), data)
		require.NoError(t, err)
		return append(samples, make([]int16, 4000)...)
	}

	tests := []struct {
		name      string
		frame     Frame
		corrupt   bool
		delivered bool
		replies   bool
	}{
		{"addressed", Frame{Src: 1, Dest: 2, Op: OpData, Payload: []byte("x")}, false, true, true},
		{"broadcast", Frame{Src: 1, Dest: Broadcast, Op: OpData, Payload: []byte("x")}, false, true, false},
		{"other_station", Frame{Src: 1, Dest: 3, Op: OpData, Payload: []byte("x")}, false, false, false},
		{"own_echo", Frame{Src: 2, Dest: Broadcast, Op: OpData, Payload: []byte("x")}, false, false, false},
		{"corrupted", Frame{Src: 1, Dest: 2, Op: OpData, Payload: []byte("xyz")}, true, false, false},
		{"ping_request", Frame{Src: 1, Dest: 2, Op: OpPingReq}, false, false, true},
		{"stray_ack", Frame{Src: 1, Dest: 2, Op: OpAck}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestLink(t, 2, nil)
			in := modulate(t, tt.frame, tt.corrupt)
			out := make([]int16, len(in))
			b.Process(nil, in, out, len(in))

			short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := b.Recv(short)
			if tt.delivered {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}

			var energy int64
			for _, s := range out {
				energy += int64(s) * int64(s)
			}
			assert.Equal(t, tt.replies, energy > 0, "reply transmitted")

			if tt.corrupt {
				assert.Equal(t, uint64(1), b.Stats().Corrupt)
			}
		})
	}
}

func TestLink_RequestValidation(t *testing.T) {
	a := newTestLink(t, 1, nil)
	ctx := testContext(t)

	assert.ErrorIs(t, a.Send(ctx, 2, make([]byte, MaxPayload+1)), ErrPayloadTooLarge)
	assert.Error(t, a.Send(ctx, 1, []byte("self")))
	assert.Error(t, a.Send(ctx, Address(16), nil))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := a.Recv(canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
