package proto

import (
	"testing"
	"time"

	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequiresType(t *testing.T) {
	_, err := Decode([]byte(`{"to":"bob"}`))
	require.ErrorIs(t, err, ErrBadFrame)

	_, err = Decode([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestPresenceFrameShape(t *testing.T) {
	at := time.UnixMilli(100).UTC()
	data, err := Encode(Presence(domain.PresenceSync{
		DeskID:       "d1",
		Revision:     7,
		Participants: []domain.Participant{{SessionID: "s1", DisplayName: "Ann", JoinedAt: at}},
	}))
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"type":"presence_sync"`)
	assert.Contains(t, s, `"deskId":"d1"`)
	assert.Contains(t, s, `"sessionId":"s1"`)
	assert.Contains(t, s, `"revision":7`)
	assert.NotContains(t, s, `"payload"`)

	f, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, f.Participants, 1)
	assert.True(t, at.Equal(f.Participants[0].JoinedAt))
	assert.Equal(t, uint64(7), f.Revision)
}

func TestMessageCarriesPayloadVerbatim(t *testing.T) {
	payload := []byte(`{"type":"call_hangup","callId":"c1","reason":"hangup"}`)
	data, err := Encode(Message("alice", "", payload))
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, f.Type)
	assert.Equal(t, domain.PeerID("alice"), f.From)
	assert.JSONEq(t, string(payload), string(f.Payload))
}
