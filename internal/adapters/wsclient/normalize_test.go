package wsclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	hangup := `{"type":"call_hangup","callId":"c1","reason":"hangup"}`
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"canonical", hangup, hangup},
		{"under payload", `{"type":"event","payload":` + hangup + `}`, hangup},
		{"under data", `{"data":` + hangup + `}`, hangup},
		{"nested twice", `{"message":{"new":` + hangup + `}}`, hangup},
		{"encoded string", `{"payload":"{\"type\":\"call_busy\",\"callId\":\"c2\"}"}`, `{"type":"call_busy","callId":"c2"}`},
		{"first key wins", `{"payload":` + hangup + `,"data":{"type":"call_busy","callId":"x"}}`, hangup},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize([]byte(tc.in))
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	for name, in := range map[string]string{
		"unknown type":     `{"type":"call_maybe","callId":"c1"}`,
		"prefix only":      `{"type":"call_","callId":"c1"}`,
		"no type":          `{"callId":"c1","payload":{"callId":"c1"}}`,
		"too deep":         `{"data":{"data":{"data":{"data":{"type":"call_hangup","callId":"c"}}}}}`,
		"not an object":    `[1,2]`,
		"unlisted wrapper": `{"body":{"type":"call_hangup","callId":"c"}}`,
		"empty":            ``,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(in))
			require.ErrorIs(t, err, ErrNoCallMessage)
		})
	}
}
