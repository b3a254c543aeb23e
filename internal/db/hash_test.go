package db

import "testing"

import "github.com/stretchr/testify/require"

func TestDeviceHashIsDeterministic(t *testing.T) {
	h1 := deviceHash("127.0.0.1", 3357)
	h2 := deviceHash("127.0.0.1", 3357)
	require.Equal(t, h1, h2)
}

func TestDeviceHashDiffersByAddressOrPort(t *testing.T) {
	base := deviceHash("127.0.0.1", 3357)
	require.NotEqual(t, base, deviceHash("127.0.0.2", 3357))
	require.NotEqual(t, base, deviceHash("127.0.0.1", 3358))
}

func TestDeviceHashIsPurelyNumeric(t *testing.T) {
	h := deviceHash("10.0.0.5", 9000)
	for _, r := range h {
		require.True(t, r >= '0' && r <= '9')
	}
}
