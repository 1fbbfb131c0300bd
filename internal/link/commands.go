package link

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

// ErrTelegramLimit is returned by ReadAll when the slave still announces
// more records after MaxTelegrams responses.
var ErrTelegramLimit = errors.New("telegram limit reached")

const (
	cmdSelectPrimary    = "select_primary"
	cmdSelectSecondary  = "select_secondary"
	cmdRequestUserData  = "request_user_data"
	cmdRequestAlarm     = "request_alarm"
	cmdSendControl      = "send_control"
	cmdSetPrimary       = "set_primary_address"
	vifBusAddress       = 0x7A
	difEightBitInteger  = 0x01
	rspControlMask      = 0xCF
	replyingAddressHigh = frame.AddressSelected
)

func expectAck(f frame.Frame) error {
	if _, ok := f.(frame.Ack); !ok {
		return protoerr.New(protoerr.CodeUnexpectedResponse, "expected acknowledgement, got %s frame", f.Kind())
	}
	return nil
}

// expectUserData accepts an RSP_UD long frame from address. Responses to
// the selected (0xFD) or test (0xFE) address may carry any primary address.
func expectUserData(address byte) expectFunc {
	return func(f frame.Frame) error {
		l, ok := f.(*frame.Long)
		if !ok {
			return protoerr.New(protoerr.CodeUnexpectedResponse, "expected user data, got %s frame", f.Kind())
		}
		if l.Control&rspControlMask != frame.ControlRspUd {
			return protoerr.New(protoerr.CodeUnexpectedResponse, "control field 0x%02X is not RSP_UD", l.Control)
		}
		if address < replyingAddressHigh && l.Address != address {
			return protoerr.New(protoerr.CodeUnexpectedResponse, "response from address %d, expected %d", l.Address, address)
		}
		return nil
	}
}

func expectAlarm(address byte) expectFunc {
	data := expectUserData(address)
	return func(f frame.Frame) error {
		if _, ok := f.(frame.Ack); ok {
			return nil
		}
		return data(f)
	}
}

// replyFor drops the expectation for broadcasts, which are never answered.
func replyFor(address byte, expect expectFunc) expectFunc {
	if address == frame.AddressBroadcast {
		return nil
	}
	return expect
}

func (b *Bus) nextFCB(address byte) bool {
	v, ok := b.fcb[address]
	return !ok || v
}

func (b *Bus) control(base, address byte) byte {
	if b.nextFCB(address) {
		return base | frame.ControlFCB
	}
	return base
}

func (b *Bus) toggleFCB(address byte) {
	b.fcb[address] = !b.nextFCB(address)
}

// SelectPrimary sends SND_NKE, which resets the link of the slave at address
// and deselects any secondary-selected slave.
func (b *Bus) SelectPrimary(ctx context.Context, address byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(cmdSelectPrimary, address)
	_, err := b.exchange(ctx, s, frame.Short{Control: frame.ControlSndNke, Address: address}, replyFor(address, expectAck))
	if err != nil {
		return err
	}
	if address == frame.AddressBroadcast {
		clear(b.fcb)
		return nil
	}
	b.fcb[address] = true
	return nil
}

// SelectSecondary selects a slave by secondary address; it then answers on
// the selected address 0xFD.
func (b *Bus) SelectSecondary(ctx context.Context, device frame.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(cmdSelectSecondary, frame.AddressSelected)
	return b.sendUserData(ctx, s, frame.AddressSelected, frame.CISelectSecondary, device.HeaderBytes())
}

// RequestUserData sends REQ_UD2 and returns the validated RSP_UD.
func (b *Bus) RequestUserData(ctx context.Context, address byte) (*frame.Long, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestUserData(ctx, address)
}

func (b *Bus) requestUserData(ctx context.Context, address byte) (*frame.Long, error) {
	s := b.session(cmdRequestUserData, address)
	req := frame.Short{Control: b.control(frame.ControlReqUd2, address), Address: address}
	f, err := b.exchange(ctx, s, req, expectUserData(address))
	if err != nil {
		return nil, err
	}
	b.toggleFCB(address)
	return f.(*frame.Long), nil
}

// RequestAlarm sends REQ_UD1. The slave answers with alarm data or, when it
// has none, with an acknowledgement.
func (b *Bus) RequestAlarm(ctx context.Context, address byte) (frame.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(cmdRequestAlarm, address)
	req := frame.Short{Control: b.control(frame.ControlReqUd1, address), Address: address}
	f, err := b.exchange(ctx, s, req, expectAlarm(address))
	if err != nil {
		return nil, err
	}
	b.toggleFCB(address)
	return f, nil
}

// SendControl sends SND_UD with the given CI and data and waits for the
// acknowledgement. Broadcasts return as soon as the frame is written.
func (b *Bus) SendControl(ctx context.Context, address, ci byte, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(cmdSendControl, address)
	return b.sendUserData(ctx, s, address, ci, data)
}

// SetPrimaryAddress programs a new primary address into the slave at
// address.
func (b *Bus) SetPrimaryAddress(ctx context.Context, address, newAddress byte) error {
	if newAddress > frame.AddressMaxPrimary {
		return fmt.Errorf("primary address %d out of range", newAddress)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(cmdSetPrimary, address)
	data := []byte{difEightBitInteger, vifBusAddress, newAddress}
	if err := b.sendUserData(ctx, s, address, frame.CIDataSend, data); err != nil {
		return err
	}
	b.fcb[newAddress] = b.nextFCB(address)
	delete(b.fcb, address)
	return nil
}

func (b *Bus) sendUserData(ctx context.Context, s *Session, address, ci byte, data []byte) error {
	ctrl := b.control(frame.ControlSndUd, address)
	var req frame.Frame = frame.Control{Control: ctrl, Address: address, CI: ci}
	if len(data) > 0 {
		req = &frame.Long{Control: ctrl, Address: address, App: frame.Application{CI: ci, Payload: data}}
	}
	if _, err := b.exchange(ctx, s, req, replyFor(address, expectAck)); err != nil {
		return err
	}
	b.toggleFCB(address)
	return nil
}

// ReadAll requests user data until the slave stops announcing further
// records in the unencrypted record area, returning every telegram in order.
func (b *Bus) ReadAll(ctx context.Context, address byte) ([]*frame.Long, error) {
	return b.ReadWhile(ctx, address, func(l *frame.Long) bool { return l.MoreRecordsFollow })
}

// ReadWhile requests user data until more returns false for the latest
// telegram. Callers that decrypt or expand the payload decide continuation
// from the decoded records. The loop is bounded by MaxTelegrams.
func (b *Bus) ReadWhile(ctx context.Context, address byte, more func(*frame.Long) bool) ([]*frame.Long, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*frame.Long
	for {
		l, err := b.requestUserData(ctx, address)
		if err != nil {
			return out, err
		}
		out = append(out, l)
		if !more(l) {
			return out, nil
		}
		if len(out) >= b.cfg.MaxTelegrams {
			return out, fmt.Errorf("address %d: %w after %d telegrams", address, ErrTelegramLimit, len(out))
		}
	}
}
