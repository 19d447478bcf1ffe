package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/lanwatch/pkg/event"
)

func TestPackUnpackRecord(t *testing.T) {
	rec := event.Record{
		Type:       "PTR",
		TTL:        4500,
		Data:       []byte{0x07, 'p', 'r', 'i', 'n', 't', 'e', 'r'},
		ObservedAt: time.Unix(1700000000, 0),
	}

	buf := packRecord(&rec)
	defer buf.Release()

	got, err := unpackRecord(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, rec.Type, got.Type)
	assert.Equal(t, rec.TTL, got.TTL)
	assert.Equal(t, rec.Data, got.Data)
	assert.True(t, rec.ObservedAt.Equal(got.ObservedAt))
}

func TestPackRecordEmptyData(t *testing.T) {
	rec := event.Record{Type: "TXT", TTL: 1, ObservedAt: time.Unix(1, 0)}
	buf := packRecord(&rec)
	defer buf.Release()

	got, err := unpackRecord(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "TXT", got.Type)
	assert.Nil(t, got.Data)
}

func TestUnpackRecordMalformed(t *testing.T) {
	_, err := unpackRecord(nil)
	assert.Error(t, err)

	_, err = unpackRecord(make([]byte, 13))
	assert.Error(t, err)

	// typeLen runs past the buffer.
	b := make([]byte, 14)
	b[13] = 200
	_, err = unpackRecord(b)
	assert.Error(t, err)
}

func TestOptsValidation(t *testing.T) {
	_, err := NewRedisExporter(RedisOpts{})
	require.Error(t, err)
}
