package statemachine

import (
	"fmt"
	"sync"
	"testing"

	"multiraft/internal/raft"
	"multiraft/internal/raft/consensus"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
)

var _ consensus.Applier = (*KV)(nil)

func data(offset raft.Offset, payload []byte) raft.Record {
	return raft.Record{Offset: offset, Term: 1, Type: raft.DataRecord, Payload: payload}
}

func TestKV_Apply(t *testing.T) {
	kv := NewKV(nil)

	t.Run("applies SET commands", func(t *testing.T) {
		assert.NoError(t, kv.Apply(1, []raft.Record{
			data(1, SetCommand("key1", "value1")),
			data(2, SetCommand("key2", "value2")),
		}))

		value, ok := kv.Get(1, "key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", value)
		assert.Equal(t, raft.Offset(2), kv.AppliedOffset(1))
	})

	t.Run("overwrites existing key", func(t *testing.T) {
		assert.NoError(t, kv.Apply(1, []raft.Record{data(3, SetCommand("key1", "new_value"))}))

		value, _ := kv.Get(1, "key1")
		assert.Equal(t, "new_value", value)
	})

	t.Run("handles SET with equals sign in value", func(t *testing.T) {
		assert.NoError(t, kv.Apply(1, []raft.Record{data(4, []byte("SET key3=val=ue"))}))

		value, _ := kv.Get(1, "key3")
		assert.Equal(t, "val=ue", value)
	})

	t.Run("handles mixed case commands", func(t *testing.T) {
		assert.NoError(t, kv.Apply(1, []raft.Record{data(5, []byte("SeT key4=v"))}))

		value, ok := kv.Get(1, "key4")
		assert.True(t, ok)
		assert.Equal(t, "v", value)
	})

	t.Run("deletes keys", func(t *testing.T) {
		assert.NoError(t, kv.Apply(1, []raft.Record{
			data(6, DelCommand("key4")),
			data(7, DelCommand("nonexistent")),
		}))

		_, ok := kv.Get(1, "key4")
		assert.False(t, ok)
		_, ok = kv.Get(1, "key2")
		assert.True(t, ok)
	})

	t.Run("skips records already applied", func(t *testing.T) {
		assert.NoError(t, kv.Apply(1, []raft.Record{
			data(6, SetCommand("key4", "again")),
			data(8, SetCommand("key5", "v5")),
		}))

		_, ok := kv.Get(1, "key4")
		assert.False(t, ok)
		_, ok = kv.Get(1, "key5")
		assert.True(t, ok)
		assert.Equal(t, raft.Offset(8), kv.AppliedOffset(1))
	})

	t.Run("skips configuration records", func(t *testing.T) {
		assert.NoError(t, kv.Apply(1, []raft.Record{
			{Offset: 9, Term: 2, Type: raft.ConfigurationRecord, Payload: []byte("SET conf=1")},
		}))

		_, ok := kv.Get(1, "conf")
		assert.False(t, ok)
		assert.Equal(t, raft.Offset(9), kv.AppliedOffset(1))
	})

	t.Run("ignores malformed commands", func(t *testing.T) {
		before := kv.GetAll(1)
		assert.NoError(t, kv.Apply(1, []raft.Record{
			data(10, nil),
			data(11, []byte("UNKNOWN key=value")),
			data(12, []byte("SET")),
			data(13, []byte("SET invalid")),
			data(14, []byte("DEL")),
		}))

		if diff := deep.Equal(kv.GetAll(1), before); diff != nil {
			t.Error(diff)
		}
		assert.Equal(t, raft.Offset(14), kv.AppliedOffset(1))
	})
}

func TestKV_Groups(t *testing.T) {
	kv := NewKV(nil)

	assert.NoError(t, kv.Apply(1, []raft.Record{data(1, SetCommand("k", "one"))}))
	assert.NoError(t, kv.Apply(2, []raft.Record{data(1, SetCommand("k", "two"))}))

	v1, _ := kv.Get(1, "k")
	v2, _ := kv.Get(2, "k")
	assert.Equal(t, "one", v1)
	assert.Equal(t, "two", v2)

	_, ok := kv.Get(3, "k")
	assert.False(t, ok)
	assert.Empty(t, kv.GetAll(3))
	assert.Zero(t, kv.AppliedOffset(3))

	kv.Drop(1)
	_, ok = kv.Get(1, "k")
	assert.False(t, ok)
	assert.Zero(t, kv.AppliedOffset(1))

	if diff := deep.Equal(kv.GetAll(2), map[string]string{"k": "two"}); diff != nil {
		t.Error(diff)
	}
}

func TestKV_Concurrency(t *testing.T) {
	kv := NewKV(nil)

	var wg sync.WaitGroup
	for g := 1; g <= 10; g++ {
		wg.Add(2)
		go func(group raft.GroupID) {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				_ = kv.Apply(group, []raft.Record{data(raft.Offset(i), SetCommand(fmt.Sprintf("k%d", i), "v"))})
			}
		}(raft.GroupID(g))
		go func(group raft.GroupID) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				kv.Get(group, "k1")
				kv.GetAll(group)
			}
		}(raft.GroupID(g))
	}
	wg.Wait()

	for g := 1; g <= 10; g++ {
		assert.Len(t, kv.GetAll(raft.GroupID(g)), 50)
		assert.Equal(t, raft.Offset(50), kv.AppliedOffset(raft.GroupID(g)))
	}
}
