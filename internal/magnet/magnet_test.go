package magnet

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesHexInfoHash(t *testing.T) {
	link := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=foo&tr=http%3A%2F%2Ftracker.example%2Fannounce"
	m, err := New(link)
	require.NoError(t, err)
	assert.Equal(t, "foo", m.Name)
	assert.Equal(t, hex.EncodeToString(m.InfoHash[:]), "0123456789abcdef0123456789abcdef01234567")
	require.Len(t, m.Trackers, 1)
	assert.Equal(t, "http://tracker.example/announce", m.Trackers[0])
}

func TestNewParsesPeerHints(t *testing.T) {
	link := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&x.pe=1.2.3.4:6881"
	m, err := New(link)
	require.NoError(t, err)
	require.Len(t, m.Peers, 1)
	assert.Equal(t, "1.2.3.4", m.Peers[0].IP.String())
	assert.Equal(t, 6881, m.Peers[0].Port)
}

func TestNewRejectsMissingInfoHash(t *testing.T) {
	_, err := New("magnet:?dn=foo")
	assert.Error(t, err)
}

func TestNewRejectsNonMagnetScheme(t *testing.T) {
	_, err := New("http://example.com")
	assert.Error(t, err)
}
