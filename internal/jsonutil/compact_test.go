package jsonutil

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func compactReference(input string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(input)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func TestCompactWriterBasic(t *testing.T) {
	cases := []string{
		` { "foo" : [ 1 , 2 , 3 ] } `,
		"\n\t{\"nested\": {\"a\": 1, \"b\":true}}",
		`{"empty": [   ] , "obj" : {   }}`,
		`{"string":"\"quoted\"","escape":"\\tab\n"}`,
		` [ 0 , -1 , 3.1415 , 10e-3 ] `,
		`{"a": [1,2,{"b":true}]}`,
		`{"multi": [ {"nested": []} , {"x":null} ] }`,
		`"plain string"`,
		`1234567890`,
	}
	for _, tc := range cases {
		var out bytes.Buffer
		if err := CompactWriter(&out, strings.NewReader(tc), 0); err != nil {
			t.Fatalf("compact failed: %v", err)
		}
		want, err := compactReference(tc)
		if err != nil {
			t.Fatalf("reference failed: %v", err)
		}
		if out.String() != want {
			t.Fatalf("unexpected output\n got: %q\nwant:%q", out.String(), want)
		}
	}
}

func TestCompactWriterErrors(t *testing.T) {
	tests := []string{
		`{`,              // unterminated object
		`{"a":}`,         // missing value
		`{"a"  "b"}`,     // missing colon
		`{"a":00}`,       // leading zero
		`{"a":"\u12x4"}`, // invalid unicode
		`{"a":"\x"}`,     // invalid escape
		`0 1`,            // multiple top-level values
		`\u1234`,         // invalid start
	}
	for _, tc := range tests {
		if err := CompactWriter(io.Discard, strings.NewReader(tc), 0); err == nil {
			t.Fatalf("expected error for input %q", tc)
		}
	}
}

func TestCompactWriterMaxBytes(t *testing.T) {
	input := `{"foo":` + strings.Repeat(" ", 10) + `"bar"}`
	if err := CompactWriter(io.Discard, strings.NewReader(input), 5); err == nil {
		t.Fatal("expected max bytes error")
	}
}

func TestCompactStringRoundTrip(t *testing.T) {
	raw := []byte(`[ {"id": "smith2021", "title": "On Things"} ]`)
	got, err := CompactString(raw, 0)
	if err != nil {
		t.Fatalf("CompactString: %v", err)
	}
	want, err := compactReference(string(raw))
	if err != nil {
		t.Fatalf("reference failed: %v", err)
	}
	if got != want {
		t.Fatalf("unexpected output\n got: %q\nwant:%q", got, want)
	}
}

func TestCompactStringLargePayload(t *testing.T) {
	entry := `{"id":"k","note":"` + strings.Repeat("x", smallJSONThreshold) + `"}`
	raw := []byte("[ " + entry + " , " + entry + " ]")
	got, err := CompactString(raw, 0)
	if err != nil {
		t.Fatalf("CompactString: %v", err)
	}
	want, err := compactReference(string(raw))
	if err != nil {
		t.Fatalf("reference failed: %v", err)
	}
	if got != want {
		t.Fatal("large payload compaction mismatch")
	}
}

func TestCompactStringRejectsInvalid(t *testing.T) {
	if _, err := CompactString([]byte(`{"a":`), 0); err == nil {
		t.Fatal("expected error for truncated input")
	}
}
