package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestHardTimeout(t *testing.T) {
	tk := &Ticket{CreationTime: epoch, ExpirationPolicy: HardTimeout(time.Second)}

	require.False(t, tk.IsExpired(epoch))
	require.False(t, tk.IsExpired(epoch.Add(999*time.Millisecond)))
	require.True(t, tk.IsExpired(epoch.Add(time.Second)))

	// use does not extend a hard timeout
	used := tk.Use(epoch.Add(900 * time.Millisecond))
	require.True(t, used.IsExpired(epoch.Add(time.Second)))
}

func TestIdleTimeout(t *testing.T) {
	tk := &Ticket{CreationTime: epoch, ExpirationPolicy: Idle(time.Minute)}
	require.False(t, tk.IsExpired(epoch.Add(59*time.Second)))
	require.True(t, tk.IsExpired(epoch.Add(time.Minute)))

	used := tk.Use(epoch.Add(50 * time.Second))
	require.False(t, used.IsExpired(epoch.Add(time.Minute)))
	require.True(t, used.IsExpired(epoch.Add(110*time.Second)))

	// the original is never mutated
	require.Equal(t, 0, tk.UsageCount)
	require.True(t, tk.LastUsedTime.IsZero())
}

func TestComposedPolicy(t *testing.T) {
	policy := Compose(HardTimeout(10*time.Minute), Idle(time.Minute))
	tk := &Ticket{CreationTime: epoch, ExpirationPolicy: policy}

	// idle wins first
	require.True(t, tk.IsExpired(epoch.Add(2*time.Minute)))

	// kept alive by use, the hard timeout still applies
	for i := 1; i <= 10; i++ {
		tk = tk.Use(epoch.Add(time.Duration(i) * 50 * time.Second))
	}
	require.False(t, tk.IsExpired(epoch.Add(9*time.Minute)))
	require.True(t, tk.IsExpired(epoch.Add(10*time.Minute)))
	// last use at 500s, so idle expiry (560s) comes before the hard timeout
	require.True(t, epoch.Add(560*time.Second).Equal(tk.ExpirationPolicy.ExpiresAt(tk)))
}

func TestComposeKeepsStricterCondition(t *testing.T) {
	p := Compose(HardTimeout(time.Hour), HardTimeout(time.Minute), MultiUse(3), MultiUse(1))
	require.Equal(t, ExpirationPolicy{TimeToLive: time.Minute, MaxUses: 1}, p)
}

func TestMultiUse(t *testing.T) {
	tk := &Ticket{CreationTime: epoch, ExpirationPolicy: MultiUse(2)}
	require.False(t, tk.IsExpired(epoch))
	tk = tk.Use(epoch)
	require.False(t, tk.IsExpired(epoch))
	tk = tk.Use(epoch)
	require.True(t, tk.IsExpired(epoch))
}

func TestNeverExpires(t *testing.T) {
	tk := &Ticket{CreationTime: epoch, ExpirationPolicy: Never()}
	require.False(t, tk.IsExpired(epoch.Add(100*365*24*time.Hour)))
	require.True(t, tk.ExpirationPolicy.ExpiresAt(tk).IsZero())
}
