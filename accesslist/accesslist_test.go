package accesslist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyListAllowsEveryone(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)
	assert.True(t, a.Allowed("192.0.2.1:4242"))
	assert.True(t, a.Allowed("[2001:db8::1]:4242"))
}

func TestAllowedInsideAndOutsideRange(t *testing.T) {
	a, err := New([]string{"192.0.2.0/24", "2001:db8::/32"})
	require.NoError(t, err)

	assert.True(t, a.Allowed("192.0.2.77:53"))
	assert.True(t, a.Allowed("[2001:db8::1]:53"))
	assert.False(t, a.Allowed("198.51.100.1:53"))
	assert.False(t, a.Allowed("[2001:db9::1]:53"))
}

func TestAllowedAcceptsBareHost(t *testing.T) {
	a, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	assert.True(t, a.Allowed("10.1.2.3"))
	assert.False(t, a.Allowed("11.1.2.3"))
}

func TestAllowedRejectsUnparsableHost(t *testing.T) {
	a, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	assert.False(t, a.Allowed("not-an-ip:53"))
}

func TestNewRejectsInvalidCIDR(t *testing.T) {
	_, err := New([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
