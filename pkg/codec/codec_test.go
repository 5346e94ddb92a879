package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type status int

const (
	offline status = iota
	online
)

func TestEnum(t *testing.T) {
	c := NewEnum(map[status]byte{offline: 0, online: 1})

	data, err := c.Encode(online)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, data)

	data, err = c.Encode(offline)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)

	v, err := c.Decode([]byte{1, 0xff})
	require.NoError(t, err)
	assert.Equal(t, online, v)

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = c.Decode([]byte{7})
	assert.ErrorIs(t, err, ErrUnknownValue)

	_, err = c.Encode(status(9))
	assert.ErrorIs(t, err, ErrUnknownValue)
}

func TestEnumDuplicateTagPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewEnum(map[status]byte{offline: 1, online: 1})
	})
}

type reading struct {
	Sensor string  `msgpack:"s" json:"sensor"`
	Value  float64 `msgpack:"v" json:"value"`
}

func TestMsgpack(t *testing.T) {
	var c Codec[reading] = Msgpack[reading]{}

	data, err := c.Encode(reading{Sensor: "kitchen", Value: 21.5})
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, reading{Sensor: "kitchen", Value: 21.5}, got)

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = c.Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestJSON(t *testing.T) {
	var c Codec[reading] = JSON[reading]{}

	data, err := c.Encode(reading{Sensor: "hall", Value: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sensor":"hall","value":3}`, string(data))

	_, err = c.Decode([]byte("{"))
	assert.Error(t, err)
}

func TestProto(t *testing.T) {
	c := NewProto(func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) })

	data, err := c.Encode(wrapperspb.String("online"))
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "online", got.GetValue())

	_, err = c.Decode([]byte{0xff, 0xff})
	assert.Error(t, err)
}

func TestProtoWithoutFactory(t *testing.T) {
	var c Proto[*wrapperspb.StringValue]

	data, err := c.Encode(wrapperspb.String("online"))
	require.NoError(t, err)

	got, err := c.Decode(data)
	assert.ErrorIs(t, err, ErrNoFactory)
	assert.Nil(t, got)
}

func TestFunc(t *testing.T) {
	errBad := errors.New("bad")
	c := Func[string]{
		EncodeFunc: func(s string) ([]byte, error) { return []byte(s), nil },
		DecodeFunc: func(b []byte) (string, error) {
			if len(b) == 0 {
				return "", errBad
			}
			return string(b), nil
		},
	}

	data, err := c.Encode("hi")
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, errBad)
}

func TestBytes(t *testing.T) {
	var c Bytes
	in := []byte("raw")
	out, err := c.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	decoded, err := c.Decode(in)
	require.NoError(t, err)
	in[0] = 'w'
	assert.Equal(t, []byte("raw"), decoded)

	decoded, err = c.Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
