package execution

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMode(t *testing.T) {
	testCases := []struct {
		setting Mode
		local   bool
		want    Mode
		wantErr bool
	}{
		{setting: ModeAuto, local: true, want: ModeLocal},
		{setting: ModeAuto, local: false, want: ModeRemote},
		{setting: "", local: true, want: ModeLocal},
		{setting: ModeLocal, local: false, want: ModeLocal},
		{setting: ModeRemote, local: true, want: ModeRemote},
		{setting: "cluster", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(string(tc.setting), func(t *testing.T) {
			got, err := ResolveMode(tc.setting, tc.local)
			if tc.wantErr {
				assert.Error(t, err)
				assert.False(t, tc.setting.Valid())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory(Config{Mode: ModeRemote}, Deps{}, zerolog.Nop())
	assert.Error(t, err, "remote mode needs a dialer")

	f, err := NewFactory(Config{Mode: ModeAuto}, Deps{LocalAvailable: true}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, f.Mode())
	assert.Equal(t, "/tmp/squander_jobs", f.cfg.ScratchRoot)
	assert.Equal(t, "python3", f.cfg.Python)
	assert.Equal(t, Stats{Mode: ModeLocal}, f.Stats())
}

func TestFactory_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("session clients are pooled", func(t *testing.T) {
		host := newMemHost()
		f := newTestFactory(t, ModeRemote, Deps{Dialer: host})

		a, err := f.Create(ctx, "session-1")
		require.NoError(t, err)
		b, err := f.Create(ctx, "session-1")
		require.NoError(t, err)
		other, err := f.Create(ctx, "session-2")
		require.NoError(t, err)

		assert.Same(t, a, b)
		assert.NotSame(t, a, other)
		assert.Equal(t, "session-1", a.SessionID())
		assert.Equal(t, 2, f.Stats().PooledClients)
	})

	t.Run("a disconnected session client is replaced", func(t *testing.T) {
		f := newTestFactory(t, ModeRemote, Deps{Dialer: newMemHost()})

		a, err := f.Create(ctx, "session-1")
		require.NoError(t, err)
		require.NoError(t, a.Disconnect(ctx))
		b, err := f.Create(ctx, "session-1")
		require.NoError(t, err)

		assert.NotSame(t, a, b)
		assert.True(t, b.Connected())
	})

	t.Run("ephemeral clients are not pooled", func(t *testing.T) {
		f := newTestFactory(t, ModeRemote, Deps{Dialer: newMemHost()})

		c, release, err := f.Acquire(ctx, "")
		require.NoError(t, err)
		assert.True(t, c.Connected())
		assert.Equal(t, 0, f.Stats().PooledClients)

		release()
		assert.False(t, c.Connected())
	})

	t.Run("released session clients stay connected", func(t *testing.T) {
		f := newTestFactory(t, ModeRemote, Deps{Dialer: newMemHost()})

		c, release, err := f.Acquire(ctx, "session-1")
		require.NoError(t, err)
		release()

		assert.True(t, c.Connected())
		again, err := f.Create(ctx, "session-1")
		require.NoError(t, err)
		assert.Same(t, c, again)
	})
}
