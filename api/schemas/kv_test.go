package schemas

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKVValueValidate(t *testing.T) {
	assert.NoError(t, StringValue("hello").Validate())
	assert.NoError(t, NumberValue(42).Validate())
	assert.NoError(t, BoolValue(true).Validate())
	assert.NoError(t, TimeValue(time.Now()).Validate())

	assert.Error(t, KVValue{Kind: "blob"}.Validate())
	assert.Error(t, KVValue{Kind: KindNumber, Num: math.NaN()}.Validate())
	assert.Error(t, KVValue{Kind: KindNumber, Num: math.Inf(1)}.Validate())
	assert.Error(t, KVValue{Kind: KindTimestamp}.Validate())
}

func TestKVValueEqual(t *testing.T) {
	now := time.Now().UTC()

	assert.True(t, StringValue("a").Equal(StringValue("a")))
	assert.False(t, StringValue("a").Equal(StringValue("b")))
	assert.True(t, NumberValue(1.5).Equal(NumberValue(1.5)))
	assert.True(t, TimeValue(now).Equal(TimeValue(now.In(time.FixedZone("X", 3600)))))

	// Different kinds never match, even when payloads look alike.
	assert.False(t, StringValue("1").Equal(NumberValue(1)))
	assert.False(t, BoolValue(false).Equal(StringValue("")))
}

func TestKVMapValidateAndClone(t *testing.T) {
	m := KVMap{
		"channel":  StringValue("email"),
		"attempts": NumberValue(3),
	}
	assert.NoError(t, m.Validate())

	bad := KVMap{"": StringValue("x")}
	assert.Error(t, bad.Validate())

	clone := m.Clone()
	clone["channel"] = StringValue("sms")
	assert.Equal(t, "email", m["channel"].Str, "clone must not alias the original")

	var nilMap KVMap
	assert.NoError(t, nilMap.Validate())
	assert.Nil(t, nilMap.Clone())
}
