package consensus

import (
	"testing"
	"time"

	"multiraft/internal/raft"

	"github.com/stretchr/testify/assert"
)

func TestConfig(t *testing.T) {
	conf := testConfiguration(t, 1, []raft.NodeID{"a", "b"})

	t.Run("fills in defaults", func(t *testing.T) {
		cfg := Config{Self: "a", Configuration: conf}
		cfg.withDefaults()

		assert.Equal(t, DefaultElectionTimeoutMin, cfg.ElectionTimeoutMin)
		assert.Equal(t, DefaultElectionTimeoutMax, cfg.ElectionTimeoutMax)
		assert.Equal(t, DefaultReplicateTimeout, cfg.ReplicateTimeout)
		assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
		assert.Equal(t, DefaultMaxBatchRecords, cfg.MaxBatchRecords)
		assert.Equal(t, DefaultRecoveryBatchRecords, cfg.RecoveryBatchRecords)
		assert.Equal(t, uint32(DefaultRecoveryThreshold), cfg.RecoveryThreshold)
		assert.Equal(t, DefaultInboxSize, cfg.InboxSize)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("keeps the maximum above a custom minimum", func(t *testing.T) {
		cfg := Config{Self: "a", Configuration: conf, ElectionTimeoutMin: time.Second}
		cfg.withDefaults()
		assert.Equal(t, time.Second, cfg.ElectionTimeoutMax)
	})

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty node id", cfg: Config{Configuration: conf}},
		{name: "not a member", cfg: Config{Self: "z", Configuration: conf}},
		{name: "inverted timeouts", cfg: Config{
			Self:               "a",
			Configuration:      conf,
			ElectionTimeoutMin: time.Second,
			ElectionTimeoutMax: time.Millisecond,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.withDefaults()
			assert.ErrorIs(t, tt.cfg.Validate(), raft.ErrInvalidConfiguration)
		})
	}
}
