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
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
)

// ErrNoAck is returned when a frame is not acknowledged after every retry
var ErrNoAck = errors.New("no acknowledgement from peer")

const (
	controlQueueSize   = 8
	maxBackoffExponent = 4
)

// LinkConfig tunes a Link. Durations are counted in samples.
type LinkConfig struct {
	Address     Address
	SampleRate  int
	Modem       Config
	AckTimeout  int // wait for an acknowledgement after the last sample of a frame
	BackoffSlot int // unit of the random back-off before a retry
	MaxRetries  int // retransmissions before a frame is given up
	FrameGap    int // silence after every transmission
	QueueSize   int // pending Send and Ping calls, and undelivered packets
}

// DefaultLinkConfig returns settings for a station at addr
func DefaultLinkConfig(addr Address, sampleRate int) LinkConfig {
	return LinkConfig{
		Address:     addr,
		SampleRate:  sampleRate,
		Modem:       DefaultConfig(),
		AckTimeout:  sampleRate / 5,
		BackoffSlot: sampleRate / 50,
		MaxRetries:  5,
		FrameGap:    sampleRate / 100,
		QueueSize:   16,
	}
}

// Validate checks the link settings
func (c LinkConfig) Validate() error {
	if err := c.Modem.Validate(); err != nil {
		return err
	}
	var errs []error
	if !c.Address.Valid() || c.Address == Broadcast {
		errs = append(errs, fmt.Errorf("station address must be 0..14, got %d", c.Address))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if minWait := c.Modem.FrameSamples(controlSize) + c.Modem.SymbolLength; c.AckTimeout <= minWait {
		errs = append(errs, fmt.Errorf("ack timeout of %d samples is shorter than an acknowledgement (%d)", c.AckTimeout, minWait))
	}
	if c.BackoffSlot < 0 || c.MaxRetries < 0 || c.FrameGap < 0 {
		errs = append(errs, errors.New("back-off slot, retries and frame gap must not be negative"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize))
	}
	return errors.Join(errs...)
}

// Packet is a data frame delivered by Recv
type Packet struct {
	Src     Address
	Dest    Address
	Payload []byte
}

// LinkStats is a snapshot of link counters
type LinkStats struct {
	Sent       uint64 // transmissions including retries
	Received   uint64
	Acked      uint64
	Retried    uint64
	Failed     uint64
	Corrupt    uint64
	Duplicates uint64
	Dropped    uint64 // packets or replies lost to a full queue
}

type rxPacket struct {
	src, dest Address
	n         int
	payload   [MaxPayload]byte
}

type request struct {
	frame  [MaxFrameSize]byte
	n      int
	dest   Address
	tag    uint8
	await  bool
	answer Op
	done   chan error

	// sample clock, read by the caller only after done fires
	sentAt     uint64
	answeredAt uint64
}

type txState int

const (
	txIdle txState = iota
	txReady
	txWaitAck
	txBackoff
)

type linkCounter struct {
	n    atomic.Uint64
	rate prometheus.Counter
}

func (c *linkCounter) inc() {
	c.n.Add(1)
	c.rate.Inc()
}

// Link is a stop-and-wait MAC over a mono duplex stream. Process runs on
// the real-time thread and owns all transmit and receive state; Send, Ping
// and Recv hand requests and packets across through buffered channels.
type Link struct {
	cfg   LinkConfig
	tx    *Transmitter
	demod *Demodulator

	requests chan *request
	packets  chan rxPacket

	mu   sync.Mutex
	tags [16]uint8

	clock     uint64
	state     txState
	cur       *request
	airData   bool
	attempts  int
	countdown int
	gap       int
	answered  bool
	control   [controlQueueSize][controlSize]byte
	ctlHead   int
	ctlLen    int
	lastTag   [16]int8

	sent, received, acked, retried       linkCounter
	failed, corrupt, duplicates, dropped linkCounter

	log *slog.Logger
}

// NewLink creates a link for the station described by cfg
func NewLink(cfg LinkConfig, m *metrics.StreamMetrics) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid link config: %w", err)
	}
	tx, err := NewTransmitter(cfg.Modem)
	if err != nil {
		return nil, err
	}
	demod, err := NewDemodulator(cfg.Modem)
	if err != nil {
		return nil, err
	}

	l := &Link{
		cfg:      cfg,
		tx:       tx,
		demod:    demod,
		requests: make(chan *request, cfg.QueueSize),
		packets:  make(chan rxPacket, cfg.QueueSize),
		log:      logger.Component("modem").With("address", cfg.Address.String()),
	}
	for i := range l.lastTag {
		l.lastTag[i] = -1
	}
	for event, c := range map[string]*linkCounter{
		"sent":      &l.sent,
		"received":  &l.received,
		"acked":     &l.acked,
		"retried":   &l.retried,
		"failed":    &l.failed,
		"corrupt":   &l.corrupt,
		"duplicate": &l.duplicates,
		"dropped":   &l.dropped,
	} {
		c.rate = m.ModemFrames(event)
	}
	return l, nil
}

// Address returns the station address
func (l *Link) Address() Address {
	return l.cfg.Address
}

// Busy reports whether the link currently hears a carrier
func (l *Link) Busy() bool {
	return l.demod.Busy()
}

// Stats returns the current counters
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Sent:       l.sent.n.Load(),
		Received:   l.received.n.Load(),
		Acked:      l.acked.n.Load(),
		Retried:    l.retried.n.Load(),
		Failed:     l.failed.n.Load(),
		Corrupt:    l.corrupt.n.Load(),
		Duplicates: l.duplicates.n.Load(),
		Dropped:    l.dropped.n.Load(),
	}
}

// Process is an audio.DuplexFunc. The input block is decoded first so an
// acknowledgement heard in it ends the wait before the output block is
// generated.
func (l *Link) Process(_ any, in, out []int16, _ int) {
	for _, s := range in {
		if frame, ok := l.demod.Push(s); ok {
			l.receive(frame)
		}
	}
	for i := range out {
		out[i] = l.nextSample()
	}
}

// Send transmits payload to dest and waits for the acknowledgement.
// Broadcast frames are not acknowledged and return once sent.
func (l *Link) Send(ctx context.Context, dest Address, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	r, err := l.newRequest(dest, OpData, payload)
	if err != nil {
		return err
	}
	return l.submit(ctx, r)
}

// Ping sends a ping request to dest and returns the round trip measured
// on the sample clock from the last transmission to the reply.
func (l *Link) Ping(ctx context.Context, dest Address) (time.Duration, error) {
	if dest == Broadcast {
		return 0, errors.New("cannot ping the broadcast address")
	}
	r, err := l.newRequest(dest, OpPingReq, nil)
	if err != nil {
		return 0, err
	}
	if err := l.submit(ctx, r); err != nil {
		return 0, err
	}
	samples := r.answeredAt - r.sentAt
	return time.Duration(samples) * time.Second / time.Duration(l.cfg.SampleRate), nil //nolint:gosec // G115: round trips are far below MaxInt64 samples
}

// Recv returns the next data packet addressed to this station or to
// everyone.
func (l *Link) Recv(ctx context.Context) (Packet, error) {
	select {
	case p := <-l.packets:
		return Packet{Src: p.src, Dest: p.dest, Payload: append([]byte(nil), p.payload[:p.n]...)}, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

func (l *Link) newRequest(dest Address, op Op, payload []byte) (*request, error) {
	if !dest.Valid() || dest == l.cfg.Address {
		return nil, fmt.Errorf("invalid destination %d", dest)
	}
	r := &request{
		dest:   dest,
		await:  dest != Broadcast,
		answer: OpAck,
		done:   make(chan error, 1),
	}
	if op == OpPingReq {
		r.answer = OpPingReply
	}

	l.mu.Lock()
	r.tag = l.tags[dest]
	l.tags[dest] = (r.tag + 1) & 0x0F
	l.mu.Unlock()

	frame, err := Frame{Src: l.cfg.Address, Dest: dest, Op: op, Tag: r.tag, Payload: payload}.AppendMarshal(r.frame[:0])
	if err != nil {
		return nil, err
	}
	r.n = len(frame)
	return r, nil
}

func (l *Link) submit(ctx context.Context, r *request) error {
	select {
	case l.requests <- r:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-r.done:
		if err != nil {
			l.log.Debug("frame not delivered", "dest", r.dest.String(), "tag", r.tag, "error", err)
			return fmt.Errorf("send to %s: %w", r.dest, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) receive(data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		l.corrupt.inc()
		return
	}
	if f.Src == Broadcast || !f.Accepts(l.cfg.Address) {
		return
	}

	switch f.Op {
	case OpAck, OpPingReply:
		if l.state == txWaitAck && f.Src == l.cur.dest && f.Tag == l.cur.tag && f.Op == l.cur.answer {
			l.answered = true
			l.cur.answeredAt = l.clock
		}

	case OpPingReq:
		l.queueControl(OpPingReply, f.Src, f.Tag)

	case OpData:
		if f.Dest != Broadcast {
			l.queueControl(OpAck, f.Src, f.Tag)
			if l.lastTag[f.Src] == int8(f.Tag) { //nolint:gosec // G115: tags are 4 bits
				l.duplicates.inc()
				return
			}
			l.lastTag[f.Src] = int8(f.Tag) //nolint:gosec // G115: tags are 4 bits
		}
		p := rxPacket{src: f.Src, dest: f.Dest, n: len(f.Payload)}
		copy(p.payload[:], f.Payload)
		select {
		case l.packets <- p:
			l.received.inc()
		default:
			l.dropped.inc()
		}
	}
}

func (l *Link) queueControl(op Op, dest Address, tag uint8) {
	if l.ctlLen == len(l.control) {
		l.dropped.inc()
		return
	}
	c := &l.control[(l.ctlHead+l.ctlLen)%len(l.control)]
	c[0] = byte(l.cfg.Address) | byte(dest)<<4
	c[1] = byte(op) | tag<<4
	c[2] = CRC8(c[:headerSize])
	l.ctlLen++
}

func (l *Link) nextSample() int16 {
	l.clock++
	if l.tx.Active() {
		s, last := l.tx.Next()
		if last {
			l.finished()
		}
		return s
	}
	if l.gap > 0 {
		l.gap--
		return 0
	}
	l.tick()
	if l.demod.Busy() {
		return 0
	}

	if l.ctlLen > 0 {
		_ = l.tx.Load(l.control[l.ctlHead][:])
		l.ctlHead = (l.ctlHead + 1) % len(l.control)
		l.ctlLen--
		l.airData = false
	} else if !l.loadRequest() {
		return 0
	}
	s, _ := l.tx.Next()
	return s
}

// loadRequest starts the current request, taking a new one from the queue
// when the transmitter is idle.
func (l *Link) loadRequest() bool {
	if l.state == txIdle {
		select {
		case r := <-l.requests:
			l.cur, l.attempts, l.state = r, 0, txReady
		default:
			return false
		}
	}
	if l.state != txReady {
		return false
	}
	_ = l.tx.Load(l.cur.frame[:l.cur.n])
	l.cur.sentAt = l.clock
	l.airData = true
	l.sent.inc()
	return true
}

func (l *Link) finished() {
	l.gap = l.cfg.FrameGap
	if !l.airData {
		return
	}
	l.airData = false
	if !l.cur.await {
		l.complete(nil)
		return
	}
	l.state, l.countdown, l.answered = txWaitAck, l.cfg.AckTimeout, false
}

func (l *Link) tick() {
	switch l.state {
	case txWaitAck:
		if l.answered {
			l.acked.inc()
			l.complete(nil)
			return
		}
		l.countdown--
		if l.countdown > 0 {
			return
		}
		l.attempts++
		if l.attempts > l.cfg.MaxRetries {
			l.failed.inc()
			l.complete(ErrNoAck)
			return
		}
		l.retried.inc()
		l.state = txBackoff
		l.countdown = rand.IntN(1<<min(l.attempts, maxBackoffExponent)) * l.cfg.BackoffSlot //nolint:gosec // G404: back-off jitter
	case txBackoff:
		if l.countdown > 0 {
			l.countdown--
			return
		}
		l.state = txReady
	}
}

func (l *Link) complete(err error) {
	select {
	case l.cur.done <- err:
	default:
	}
	l.cur, l.state = nil, txIdle
}
