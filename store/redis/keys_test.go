package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/circulation-engine/circulation"
)

func TestKeyEncoding(t *testing.T) {
	assert.Equal(t, "circulation:reqkey:abc", redisKey("abc"))

	state, id := decodeValue(encodeDone("c42"))
	assert.Equal(t, circulation.KeyCompleted, state)
	assert.Equal(t, circulation.CopyID("c42"), id)

	state, id = decodeValue(pendingValue)
	assert.Equal(t, circulation.KeyPending, state)
	assert.Empty(t, id)

	state, _ = decodeValue(donePrefix)
	assert.Equal(t, circulation.KeyPending, state, "a done marker without a copy id is not usable")
}

func TestNewKeys_DefaultTTL(t *testing.T) {
	k := NewKeys(nil, 0)
	assert.Equal(t, DefaultTTL, k.ttl)

	k = NewKeys(nil, time.Minute)
	assert.Equal(t, time.Minute, k.ttl)
}

func TestPing_Unreachable(t *testing.T) {
	client := NewClient("127.0.0.1:1", "", 0)
	defer client.Close()

	err := NewKeys(client, 0).Ping(context.Background())

	assert.Error(t, err)
}
