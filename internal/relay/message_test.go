package relay

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"object", `{"Type":"Client","Request":"FullStatus","RequestId":1}`, nil},
		{"empty object", `{}`, nil},
		{"trailing whitespace", "{\"a\":1}\n", nil},
		{"array", `[1,2]`, ErrNotObject},
		{"string", `"hello"`, ErrNotObject},
		{"null", `null`, ErrNotObject},
		{"truncated", `{"a":`, ErrMalformed},
		{"not json", `hello`, ErrMalformed},
		{"two objects", `{"a":1}{"b":2}`, ErrMalformed},
		{"empty", ``, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecode_PreservesLargeNumbers(t *testing.T) {
	in := `{"RequestId":1099511627777}`
	msg, err := Decode([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	id, ok := msg.RequestID()
	if !ok || id != 1099511627777 {
		t.Fatalf("RequestID = %d, %v", id, ok)
	}
	out, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != in {
		t.Fatalf("re-encoded as %s", out)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want uint64
		ok   bool
	}{
		{"int", Message{"RequestId": 5}, 5, true},
		{"float", Message{"RequestId": float64(9)}, 9, true},
		{"negative", Message{"RequestId": -1}, 0, false},
		{"string", Message{"RequestId": "5"}, 0, false},
		{"missing", Message{"Type": "Client"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.msg.RequestID()
			if got != tt.want || ok != tt.ok {
				t.Errorf("RequestID() = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(Message{"RequestId": 42}); got != "RequestId=42" {
		t.Errorf("got %q", got)
	}
	long := Message{"Payload": strings.Repeat("x", 500)}
	got := Describe(long)
	if len(got) != describeLimit+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("long message described as %d bytes", len(got))
	}
}

// Property: decoding the encoding of an object reproduces its string fields.
func TestProperty_EncodeDecodeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(m)) == m for string maps", prop.ForAll(
		func(fields map[string]string) bool {
			msg := Message{}
			for k, v := range fields {
				msg[k] = v
			}
			data, err := Encode(msg)
			if err != nil {
				return false
			}
			decoded, err := Decode(data)
			if err != nil {
				return false
			}
			if len(decoded) != len(msg) {
				return false
			}
			for k, v := range fields {
				if decoded[k] != v {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.AlphaString(), gen.AnyString()),
	))

	properties.Property("RequestId survives the round trip", prop.ForAll(
		func(id uint32, nested bool) bool {
			msg := Message{"RequestId": uint64(id), "Type": "Client"}
			if nested {
				msg["Params"] = map[string]any{"Entities": []any{"a", "b"}, "Watch": true}
			}
			data, err := Encode(msg)
			if err != nil {
				return false
			}
			decoded, err := Decode(data)
			if err != nil {
				return false
			}
			got, ok := decoded.RequestID()
			return ok && got == uint64(id)
		},
		gen.UInt32(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
