package pool

import (
	"errors"
	"testing"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"3|PUMP_ANTI_FREEZE", Composite(3, "PUMP_ANTI_FREEZE")},
		{" 2 | MANUAL_ON ", Composite(2, "MANUAL_ON")},
		{"[]", Absent()},
		{"", Absent()},
		{"   ", Absent()},
		{"{}", Absent()},
		{"27.5", Number(27.5)},
		{"-3", Number(-3)},
		{"  7 ", Number(7)},
		{"3|", Number(3)},
		{"ON", Text("ON")},
		{"abc|def", Text("abc|def")},
		{"NaN", Text("NaN")},
		{"Inf", Text("Inf")},
		{"1.2.3", Text("1.2.3")},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseValue(tt.in)
			if !got.Equal(tt.want) {
				t.Errorf("ParseValue(%q) = %v (%s), want %v (%s)", tt.in, got, got.Kind(), tt.want, tt.want.Kind())
			}
		})
	}
}

func TestDecodeReadings(t *testing.T) {
	body := []byte(`{
		"water_temp": 27.5,
		"pump": "3|PUMP_ANTI_FREEZE",
		"orp": "[]",
		"ph": "",
		"salt": null,
		"heater": true,
		"light": false,
		"alarms": [],
		"extras": {},
		"list": [1, 2],
		"fw": "1.1.9",
		"rpm": "2450"
	}`)

	got, err := DecodeReadings(body)
	if err != nil {
		t.Fatalf("DecodeReadings() error = %v", err)
	}

	want := map[string]Value{
		"water_temp": Number(27.5),
		"pump":       Composite(3, "PUMP_ANTI_FREEZE"),
		"orp":        Absent(),
		"ph":         Absent(),
		"salt":       Absent(),
		"heater":     Number(1),
		"light":      Number(0),
		"alarms":     Absent(),
		"extras":     Absent(),
		"list":       Text("[1,2]"),
		"fw":         Text("1.1.9"),
		"rpm":        Number(2450),
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d keys, want %d: %v", len(got), len(want), got)
	}
	for k, w := range want {
		g, ok := got[k]
		if !ok {
			t.Errorf("missing key %q", k)
			continue
		}
		if !g.Equal(w) {
			t.Errorf("%s = %v (%s), want %v (%s)", k, g, g.Kind(), w, w.Kind())
		}
	}
}

func TestDecodeReadings_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"array", `[{"a":1}]`},
		{"string", `"ok"`},
		{"null", `null`},
		{"html", `<html>error</html>`},
		{"truncated", `{"a": 1,`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReadings([]byte(tt.body))
			if !errors.Is(err, ErrDeviceProtocol) {
				t.Errorf("DecodeReadings(%q) error = %v, want ErrDeviceProtocol", tt.body, err)
			}
		})
	}
}

func TestValue_Accessors(t *testing.T) {
	c := Composite(3, "PUMP_ANTI_FREEZE")
	if f, ok := c.Float(); !ok || f != 3 {
		t.Errorf("Composite.Float() = %v, %v", f, ok)
	}
	if d, ok := c.Descriptor(); !ok || d != "PUMP_ANTI_FREEZE" {
		t.Errorf("Composite.Descriptor() = %q, %v", d, ok)
	}
	if _, ok := c.Str(); ok {
		t.Error("Composite.Str() ok = true, want false")
	}
	if c.String() != "3|PUMP_ANTI_FREEZE" {
		t.Errorf("Composite.String() = %q", c.String())
	}

	var zero Value
	if !zero.IsAbsent() {
		t.Error("zero Value is not Absent")
	}
	if _, ok := zero.Float(); ok {
		t.Error("Absent.Float() ok = true")
	}
}

func TestValue_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"absent", Absent(), `null`},
		{"number", Number(27.5), `27.5`},
		{"string", Text("ON"), `"ON"`},
		{"composite", Composite(3, "PUMP_ANTI_FREEZE"), `{"code":3,"descriptor":"PUMP_ANTI_FREEZE"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.v.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MarshalJSON() = %s, want %s", got, tt.want)
			}
		})
	}
}
