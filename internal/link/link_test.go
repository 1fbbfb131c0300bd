package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

// fakePort answers every write through respond. Responses are delivered to
// the reader in order.
type fakePort struct {
	mu      sync.Mutex
	writes  [][]byte
	respond func(n int, req []byte) [][]byte

	in        chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort(respond func(n int, req []byte) [][]byte) *fakePort {
	return &fakePort{respond: respond, in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	n := len(p.writes)
	p.mu.Unlock()
	if p.respond != nil {
		for _, r := range p.respond(n, b) {
			p.in <- r
		}
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case chunk := <-p.in:
			p.pending = chunk
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func userData(t *testing.T, address, access byte, more bool) []byte {
	t.Helper()
	payload := []byte{0x0C, 0x13, 0x67, 0x45, 0x23, 0x01}
	if more {
		payload = append(payload, 0x1F)
	}
	dev := frame.Address{Manufacturer: 0x2C2D, ID: [4]byte{0x78, 0x56, 0x34, 0x12}, Version: 1, DeviceType: 7}
	raw, err := frame.EncodeWired(&frame.Long{
		Control: frame.ControlRspUd,
		Address: address,
		App: frame.Application{
			CI:      frame.CIResponseLong,
			Header:  frame.Header{Type: frame.HeaderLong, Address: dev, AccessNumber: access},
			Payload: payload,
		},
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return raw
}

func testBus(t *testing.T, port *fakePort, cfg Config, sessions *[]Session) *Bus {
	t.Helper()
	opts := []Option{}
	if sessions != nil {
		opts = append(opts, WithObserver(func(s Session) { *sessions = append(*sessions, s) }))
	}
	b := NewBus(port, cfg, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func fastConfig() Config {
	return Config{Timeout: 200 * time.Millisecond, MaxRetries: 3}
}

func TestRequestUserDataTogglesFCB(t *testing.T) {
	port := newFakePort(func(n int, _ []byte) [][]byte {
		return [][]byte{userData(t, 5, byte(n), false)}
	})
	var sessions []Session
	b := testBus(t, port, fastConfig(), &sessions)

	for i := 0; i < 2; i++ {
		l, err := b.RequestUserData(context.Background(), 5)
		if err != nil {
			t.Fatalf("RequestUserData #%d: %v", i, err)
		}
		if l.App.Header.AccessNumber != byte(i+1) {
			t.Fatalf("access number = %d", l.App.Header.AccessNumber)
		}
	}
	w := port.written()
	if !bytes.Equal(w[0], []byte{0x10, 0x7B, 0x05, 0x80, 0x16}) {
		t.Fatalf("first request = % X", w[0])
	}
	if !bytes.Equal(w[1], []byte{0x10, 0x5B, 0x05, 0x60, 0x16}) {
		t.Fatalf("second request = % X", w[1])
	}
	if len(sessions) != 2 || sessions[0].State != StateSuccess || sessions[0].Attempts != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}
	want := []State{StateIdle, StateSending, StateAwaitingResponse, StateSuccess}
	if !equalStates(sessions[0].History, want) {
		t.Fatalf("history = %v", sessions[0].History)
	}
}

func TestSilentSlaveExhaustsRetries(t *testing.T) {
	port := newFakePort(nil)
	var sessions []Session
	b := testBus(t, port, Config{Timeout: 20 * time.Millisecond, MaxRetries: 3}, &sessions)

	_, err := b.RequestUserData(context.Background(), 5)
	if protoerr.CodeOf(err) != protoerr.CodeLinkExhausted {
		t.Fatalf("err = %v, want link exhausted", err)
	}
	var cause *protoerr.Error
	if !errors.As(errors.Unwrap(err), &cause) || cause.Code != protoerr.CodeLinkTimeout {
		t.Fatalf("cause = %v, want timeout", errors.Unwrap(err))
	}

	w := port.written()
	if len(w) != 4 {
		t.Fatalf("writes = %d, want 4", len(w))
	}
	for i := 1; i < len(w); i++ {
		if !bytes.Equal(w[i], w[0]) {
			t.Fatalf("retry %d = % X, want % X", i, w[i], w[0])
		}
	}
	s := sessions[0]
	if s.Retries() != 3 || s.State != StateFailed {
		t.Fatalf("session = %+v", s)
	}
	if last := s.History[len(s.History)-1]; last != StateFailed {
		t.Fatalf("history ends in %s", last)
	}
}

func TestWrongAddressIsRetried(t *testing.T) {
	port := newFakePort(func(n int, _ []byte) [][]byte {
		if n == 1 {
			return [][]byte{userData(t, 6, 1, false)}
		}
		return [][]byte{userData(t, 5, 2, false)}
	})
	var sessions []Session
	b := testBus(t, port, fastConfig(), &sessions)

	l, err := b.RequestUserData(context.Background(), 5)
	if err != nil {
		t.Fatalf("RequestUserData: %v", err)
	}
	if l.Address != 5 || sessions[0].Attempts != 2 {
		t.Fatalf("address %d after %d attempts", l.Address, sessions[0].Attempts)
	}
	w := port.written()
	if !bytes.Equal(w[0], w[1]) {
		t.Fatalf("retry changed the frame: % X / % X", w[0], w[1])
	}
}

func TestCorruptedResponseIsRetried(t *testing.T) {
	port := newFakePort(func(n int, _ []byte) [][]byte {
		raw := userData(t, 5, 3, false)
		if n == 1 {
			raw[len(raw)-2] ^= 0x01
		}
		return [][]byte{raw}
	})
	var sessions []Session
	b := testBus(t, port, fastConfig(), &sessions)

	if _, err := b.RequestUserData(context.Background(), 5); err != nil {
		t.Fatalf("RequestUserData: %v", err)
	}
	if sessions[0].Attempts != 2 {
		t.Fatalf("attempts = %d", sessions[0].Attempts)
	}
	want := []State{StateIdle, StateSending, StateAwaitingResponse, StateRetrying, StateSending, StateAwaitingResponse, StateSuccess}
	if !equalStates(sessions[0].History, want) {
		t.Fatalf("history = %v", sessions[0].History)
	}
}

func TestSelectPrimaryResetsFCB(t *testing.T) {
	port := newFakePort(func(_ int, req []byte) [][]byte {
		if req[1] == frame.ControlSndNke {
			return [][]byte{{frame.AckByte}}
		}
		return [][]byte{userData(t, 5, 1, false)}
	})
	b := testBus(t, port, fastConfig(), nil)
	ctx := context.Background()

	if _, err := b.RequestUserData(ctx, 5); err != nil {
		t.Fatalf("RequestUserData: %v", err)
	}
	if err := b.SelectPrimary(ctx, 5); err != nil {
		t.Fatalf("SelectPrimary: %v", err)
	}
	if _, err := b.RequestUserData(ctx, 5); err != nil {
		t.Fatalf("RequestUserData: %v", err)
	}
	w := port.written()
	if !bytes.Equal(w[1], []byte{0x10, 0x40, 0x05, 0x45, 0x16}) {
		t.Fatalf("SND_NKE = % X", w[1])
	}
	if w[2][1] != 0x7B {
		t.Fatalf("request after reset used control 0x%02X", w[2][1])
	}
}

func TestReadAllFollowsMoreRecords(t *testing.T) {
	port := newFakePort(func(n int, _ []byte) [][]byte {
		return [][]byte{userData(t, 5, byte(n), n < 3)}
	})
	b := testBus(t, port, fastConfig(), nil)

	telegrams, err := b.ReadAll(context.Background(), 5)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(telegrams) != 3 || telegrams[2].MoreRecordsFollow {
		t.Fatalf("telegrams = %d", len(telegrams))
	}
	var controls []byte
	for _, w := range port.written() {
		controls = append(controls, w[1])
	}
	if !bytes.Equal(controls, []byte{0x7B, 0x5B, 0x7B}) {
		t.Fatalf("controls = % X", controls)
	}
}

func TestReadAllLimit(t *testing.T) {
	port := newFakePort(func(n int, _ []byte) [][]byte {
		return [][]byte{userData(t, 5, byte(n), true)}
	})
	b := testBus(t, port, Config{Timeout: 200 * time.Millisecond, MaxTelegrams: 2}, nil)

	telegrams, err := b.ReadAll(context.Background(), 5)
	if !errors.Is(err, ErrTelegramLimit) {
		t.Fatalf("err = %v", err)
	}
	if len(telegrams) != 2 {
		t.Fatalf("telegrams = %d", len(telegrams))
	}
}

func TestBroadcastDoesNotWait(t *testing.T) {
	port := newFakePort(nil)
	var sessions []Session
	b := testBus(t, port, Config{Timeout: time.Hour}, &sessions)

	if err := b.SelectPrimary(context.Background(), frame.AddressBroadcast); err != nil {
		t.Fatalf("SelectPrimary: %v", err)
	}
	w := port.written()
	if len(w) != 1 || !bytes.Equal(w[0], []byte{0x10, 0x40, 0xFF, 0x3F, 0x16}) {
		t.Fatalf("writes = % X", w)
	}
	want := []State{StateIdle, StateSending, StateSuccess}
	if !equalStates(sessions[0].History, want) {
		t.Fatalf("history = %v", sessions[0].History)
	}
}

func TestSetPrimaryAddress(t *testing.T) {
	port := newFakePort(func(int, []byte) [][]byte { return [][]byte{{frame.AckByte}} })
	b := testBus(t, port, fastConfig(), nil)

	if err := b.SetPrimaryAddress(context.Background(), 5, 7); err != nil {
		t.Fatalf("SetPrimaryAddress: %v", err)
	}
	want := []byte{0x68, 0x06, 0x06, 0x68, 0x73, 0x05, 0x51, 0x01, 0x7A, 0x07, 0x4B, 0x16}
	if w := port.written(); !bytes.Equal(w[0], want) {
		t.Fatalf("frame = % X", w[0])
	}
	if err := b.SetPrimaryAddress(context.Background(), 5, 251); err == nil {
		t.Fatalf("address 251 accepted")
	}
}

func TestSelectSecondary(t *testing.T) {
	port := newFakePort(func(int, []byte) [][]byte { return [][]byte{{frame.AckByte}} })
	b := testBus(t, port, fastConfig(), nil)

	dev := frame.Address{Manufacturer: 0x2C2D, ID: [4]byte{0x78, 0x56, 0x34, 0x12}, Version: 1, DeviceType: 7}
	if err := b.SelectSecondary(context.Background(), dev); err != nil {
		t.Fatalf("SelectSecondary: %v", err)
	}
	want := []byte{0x68, 0x0B, 0x0B, 0x68, 0x73, 0xFD, 0x52, 0x78, 0x56, 0x34, 0x12, 0x2D, 0x2C, 0x01, 0x07, 0x37, 0x16}
	if w := port.written(); !bytes.Equal(w[0], want) {
		t.Fatalf("frame = % X", w[0])
	}
}

func TestRequestAlarmAcceptsAck(t *testing.T) {
	port := newFakePort(func(int, []byte) [][]byte { return [][]byte{{frame.AckByte}} })
	b := testBus(t, port, fastConfig(), nil)

	f, err := b.RequestAlarm(context.Background(), 5)
	if err != nil {
		t.Fatalf("RequestAlarm: %v", err)
	}
	if f.Kind() != frame.KindAck {
		t.Fatalf("kind = %s", f.Kind())
	}
	if w := port.written(); w[0][1] != 0x7A {
		t.Fatalf("control = 0x%02X", w[0][1])
	}
}

func TestCancelledSessionIsNotRetried(t *testing.T) {
	port := newFakePort(nil)
	var sessions []Session
	b := testBus(t, port, Config{Timeout: time.Second, MaxRetries: 3}, &sessions)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.RequestUserData(ctx, 5)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if len(port.written()) != 1 || sessions[0].State != StateFailed {
		t.Fatalf("session = %+v", sessions[0])
	}
}

func TestClosedTransport(t *testing.T) {
	port := newFakePort(nil)
	b := NewBus(port, fastConfig())
	_ = port.Close()

	_, err := b.RequestUserData(context.Background(), 5)
	if protoerr.CodeOf(err) != protoerr.CodeTransportClosed {
		t.Fatalf("err = %v", err)
	}
	_ = b.Close()
}

func TestSessionTransitions(t *testing.T) {
	s := newSession("test", 1, time.Second)
	if err := s.transition(StateAwaitingResponse); err == nil {
		t.Fatalf("idle -> awaiting accepted")
	}
	for _, to := range []State{StateSending, StateAwaitingResponse, StateRetrying, StateSending, StateSuccess} {
		if err := s.transition(to); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if !s.State.Terminal() {
		t.Fatalf("success is not terminal")
	}
	if err := s.transition(StateSending); err == nil {
		t.Fatalf("transition out of success accepted")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
