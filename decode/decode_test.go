package decode

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdamNotts/planefinder-kml/errors"
)

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodePlainJSON(t *testing.T) {
	payload := []byte(`{"4CA1F2":{"adshex":"4CA1F2","lat":51.5,"lon":-0.1,"altitude":5000,"is_on_ground":false,"vert_rate":640,"heading":270.5,"speed":410}}`)

	records, err := New().Decode(payload)
	require.NoError(t, err)
	require.Len(t, records, 1)

	ac := records["4CA1F2"]
	assert.Equal(t, "4CA1F2", ac.AdsHex)
	require.NotNil(t, ac.Lat)
	require.NotNil(t, ac.Lon)
	require.NotNil(t, ac.Altitude)
	assert.InDelta(t, 51.5, *ac.Lat, 1e-9)
	assert.InDelta(t, -0.1, *ac.Lon, 1e-9)
	assert.Equal(t, 5000, *ac.Altitude)
	assert.False(t, ac.OnGround)
	assert.Equal(t, 640, ac.VertRate)
}

func TestDecodeGzippedJSON(t *testing.T) {
	plain := []byte(`{"AB12CD":{"lat":40.0,"lon":-74.0,"altitude":8000}}`)

	records, err := New().Decode(gzipped(t, plain))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 8000, *records["AB12CD"].Altitude)
}

func TestDecodeFallsBackToMapKeyForIdentity(t *testing.T) {
	payload := []byte(`{"DEAD07":{"lat":1.0,"lon":2.0,"altitude":3000}}`)

	records, err := New().Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "DEAD07", records["DEAD07"].AdsHex)
}

func TestDecodeOptionalFieldsAbsent(t *testing.T) {
	payload := []byte(`{"X":{"is_on_ground":true}}`)

	records, err := New().Decode(payload)
	require.NoError(t, err)

	ac := records["X"]
	assert.Nil(t, ac.Lat)
	assert.Nil(t, ac.Lon)
	assert.Nil(t, ac.Altitude)
	assert.Nil(t, ac.Heading)
	assert.Nil(t, ac.Speed)
	assert.True(t, ac.OnGround)
	assert.Zero(t, ac.VertRate)
	assert.False(t, ac.HasPosition())
}

func TestDecodeEmptyResults(t *testing.T) {
	for _, payload := range [][]byte{nil, {}, []byte("  \n"), []byte(`{}`)} {
		records, err := New().Decode(payload)
		assert.NoError(t, err, "payload %q", payload)
		assert.Nil(t, records, "payload %q", payload)
	}
}

func TestDecodeCorruptGzip(t *testing.T) {
	// Valid magic, garbage body.
	payload := []byte{0x1f, 0x8b, 0xff, 0x00, 0x01, 0x02}

	records, err := New().Decode(payload)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Nil(t, records)
}

func TestDecodeTruncatedGzip(t *testing.T) {
	full := gzipped(t, []byte(`{"A":{"lat":1,"lon":2}}`))

	records, err := New().Decode(full[:len(full)-4])
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Nil(t, records)
}

func TestDecodeMalformedJSON(t *testing.T) {
	records, err := New().Decode([]byte(`{"A": not-json`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Nil(t, records)
}

func TestDecodeIsDeterministic(t *testing.T) {
	payload := gzipped(t, []byte(`{"A":{"lat":1,"lon":2,"altitude":100},"B":{"lat":3,"lon":4,"altitude":200}}`))

	first, err := New().Decode(payload)
	require.NoError(t, err)
	second, err := New().Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
