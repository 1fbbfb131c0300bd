package gombus

import (
	"encoding/json"
	"fmt"
	"strings"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/records"
	"gitlab.com/d21d3q/gombus/internal/security"
)

// Result is one decoded telegram.
type Result struct {
	Frame frame.Frame
	// Device is the meter identity: the long header address when present,
	// otherwise the wireless link address. Zero for wired frames without a
	// long header.
	Device         frame.Address
	PrimaryAddress byte

	Records          []records.Record
	ManufacturerData []byte

	SecurityMode  int
	Authenticated bool
	Confidence    security.Confidence
	// PreDecrypted marks encrypted telegrams whose payload the receiver had
	// already decrypted.
	PreDecrypted bool

	Compact           bool
	MoreRecordsFollow bool
	Meta              frame.Meta
}

// String renders a human-readable representation of the result.
func (r Result) String() string {
	summary := map[string]any{
		"security_mode": r.SecurityMode,
		"confidence":    r.Confidence.String(),
	}
	if r.Frame != nil {
		summary["kind"] = r.Frame.Kind().String()
	}
	if r.Device != (frame.Address{}) {
		summary["meter_id"] = r.Device.IDString()
		summary["manufacturer"] = r.Device.ManufacturerCode()
		summary["version"] = r.Device.Version
		summary["device_type"] = fmt.Sprintf("0x%02X", r.Device.DeviceType)
	}
	if l, ok := r.Frame.(*frame.Long); ok {
		summary["primary_address"] = l.Address
		summary["status"] = flagNames(frame.StatusFlags(l.App.Header.Status))
	}
	if w, ok := r.Frame.(*frame.Wireless); ok {
		summary["ci"] = fmt.Sprintf("0x%02X", w.App.CI)
		summary["status"] = flagNames(frame.StatusFlags(w.App.Header.Status))
		if w.CRCStripped {
			summary["crc_stripped"] = true
		}
	}
	if r.Authenticated {
		summary["authenticated"] = true
	}
	if r.Compact {
		summary["compact"] = true
	}
	if r.MoreRecordsFollow {
		summary["more_records_follow"] = true
	}
	if len(r.ManufacturerData) > 0 {
		summary["manufacturer_data"] = fmt.Sprintf("%X", r.ManufacturerData)
	}
	if fields := r.Fields(); len(fields) > 0 {
		summary["fields"] = fields
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Sprintf("device: %s records:%d (marshal error: %v)", r.Device, len(r.Records), err)
	}
	return string(data)
}

func flagNames(flags map[string]bool) []string {
	var out []string
	for name, set := range flags {
		if set {
			out = append(out, name)
		}
	}
	return out
}

// Fields flattens the records into a map keyed by FieldName. Numeric values
// are float64, everything else is a string.
func (r Result) Fields() map[string]any {
	named := r.named()
	if named == nil {
		return nil
	}
	out := make(map[string]any, len(named))
	for name, rec := range named {
		out[name] = fieldValue(rec)
	}
	return out
}

// named keys the records by FieldName. Repeated names get the DIF and VIF
// appended.
func (r Result) named() map[string]records.Record {
	if len(r.Records) == 0 {
		return nil
	}
	out := make(map[string]records.Record, len(r.Records))
	for _, rec := range r.Records {
		name := FieldName(rec)
		if _, dup := out[name]; dup {
			name = fmt.Sprintf("%s_dif%02X_vif%02X", name, rec.DIF, rec.VIF)
		}
		out[name] = rec
	}
	return out
}

func fieldValue(rec records.Record) any {
	switch {
	case rec.Unparsed:
		return fmt.Sprintf("%X", rec.Raw)
	case rec.Kind == records.KindNumber:
		return rec.Value
	case rec.Kind == records.KindText || rec.Kind == records.KindTime:
		return rec.Text
	}
	return ""
}

// FieldName derives a stable key from quantity, unit, function and the
// storage/tariff/sub-unit coordinates, e.g. "volume_m3" or
// "energy_kwh_storage_1".
func FieldName(rec records.Record) string {
	var b strings.Builder
	b.WriteString(snake(rec.Quantity))
	if rec.Unit != "" {
		b.WriteByte('_')
		b.WriteString(snake(rec.Unit))
	}
	if rec.Function != records.FunctionInstantaneous {
		b.WriteByte('_')
		b.WriteString(snake(rec.Function.String()))
	}
	if rec.Storage != 0 {
		fmt.Fprintf(&b, "_storage_%d", rec.Storage)
	}
	if rec.Tariff != 0 {
		fmt.Fprintf(&b, "_tariff_%d", rec.Tariff)
	}
	if rec.SubUnit != 0 {
		fmt.Fprintf(&b, "_subunit_%d", rec.SubUnit)
	}
	return b.String()
}

var unitReplacer = strings.NewReplacer("³", "3", "°", "deg", "/", "_per_", "%", "pct")

func snake(s string) string {
	s = unitReplacer.Replace(strings.ToLower(s))
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
